// Package memory keeps exported snapshots in process memory. It backs the
// mem:// sink and tests.
package memory

import (
	"context"
	"sort"
	"sync"
)

// Object is one stored snapshot.
type Object struct {
	Body        []byte
	ContentType string
}

// Sink is an in-memory snapshot sink.
type Sink struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New returns an empty sink.
func New() *Sink {
	return &Sink{objects: make(map[string]Object)}
}

// Put stores a copy of body under name, replacing any previous object.
func (s *Sink) Put(ctx context.Context, name string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	s.mu.Lock()
	s.objects[name] = Object{Body: buf, ContentType: contentType}
	s.mu.Unlock()
	return nil
}

// Get returns the object stored under name.
func (s *Sink) Get(name string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[name]
	return obj, ok
}

// Names lists stored object names in lexical order.
func (s *Sink) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close is a no-op.
func (s *Sink) Close() error { return nil }
