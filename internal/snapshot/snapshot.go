// Package snapshot turns the key pool into api.Snapshot documents and ships
// them to a Sink on a timer. Snapshots are an export feed for dashboards and
// audits. Nothing ever reads them back into a running server.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/keyserver/api"
	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/lease"
)

// ContentTypeJSON is the content type snapshots are written with.
const ContentTypeJSON = "application/json"

// LatestName is the object that always holds the most recent snapshot.
const LatestName = "latest.json"

// Sink stores encoded snapshots under a name relative to the sink's own
// prefix.
type Sink interface {
	Put(ctx context.Context, name string, body []byte, contentType string) error
	Close() error
}

// Stats converts the store's counts and policy into the wire document.
func Stats(store *lease.Store) api.StatsResponse {
	return statsDoc(store.Stats(), store)
}

func statsDoc(stats lease.Stats, store *lease.Store) api.StatsResponse {
	policy := store.Policy()
	return api.StatsResponse{
		Total:               stats.Total,
		Available:           stats.Available,
		Blocked:             stats.Blocked,
		Purged:              stats.Purged,
		IDsRemaining:        store.Remaining(),
		AvailableTTLSeconds: policy.AvailableTTL.Seconds(),
		BlockedTTLSeconds:   policy.BlockedTTL.Seconds(),
	}
}

// Record converts a lease record into its wire form.
func Record(rec lease.Record) api.KeyRecord {
	return api.KeyRecord{ID: rec.ID, State: rec.State.String(), LastTouched: rec.LastTouched}
}

// Build captures the pool as a snapshot document.
func Build(store *lease.Store, clk clock.Clock) api.Snapshot {
	if clk == nil {
		clk = clock.Real{}
	}
	records, stats := store.Snapshot()
	keys := make([]api.KeyRecord, 0, len(records))
	for _, rec := range records {
		keys = append(keys, Record(rec))
	}
	return api.Snapshot{
		ID:      uuid.Must(uuid.NewV7()).String(),
		TakenAt: clk.Now(),
		Stats:   statsDoc(stats, store),
		Keys:    keys,
	}
}

// Encode renders doc as JSON.
func Encode(doc api.Snapshot) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode %s: %w", doc.ID, err)
	}
	return body, nil
}

// ObjectName is the archive name for a snapshot id.
func ObjectName(id string) string {
	return path.Join("snapshots", id+".json")
}

// JoinPrefix prefixes name with a slash-trimmed prefix when one is set.
func JoinPrefix(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
