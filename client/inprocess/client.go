// Package inprocess runs a keyserver inside the current process and hands
// back a client bound to it.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/keyserver"
	"pkt.systems/keyserver/client"
)

// Client is a client.Client whose server lives in the same process.
type Client struct {
	*client.Client

	server    *keyserver.Server
	stop      func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// New starts a server on a loopback port and returns a client connected to
// it. Close stops the server.
// Example:
//
//	inproc, err := inprocess.New(ctx, keyserver.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
//	id, _ := inproc.Generate(ctx)
func New(ctx context.Context, cfg keyserver.Config, opts ...keyserver.Option) (*Client, error) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if ctx == nil {
		ctx = context.Background()
	}
	srv, stop, err := keyserver.StartServer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, errors.New("inprocess: server has no listener")
	}
	cli, err := client.New(fmt.Sprintf("http://%s", addr.String()))
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &Client{Client: cli, server: srv, stop: stop}, nil
}

// Server exposes the embedded server.
func (c *Client) Server() *keyserver.Server {
	return c.server
}

// Close shuts the embedded server down. Repeated calls return the first
// result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		c.closeErr = c.stop(ctx)
	})
	return c.closeErr
}
