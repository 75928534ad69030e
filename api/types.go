// Package api holds the JSON documents exchanged between the keyserver HTTP
// API and its clients.
package api

import "time"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	// ErrorCode is the stable keyserver error identifier (not_found,
	// invalid_state, no_available_key, pool_exhausted, internal_error).
	ErrorCode string `json:"error"`
	// Detail provides human-readable context.
	Detail string `json:"detail,omitempty"`
}

// KeyRecord describes one key in the pool.
type KeyRecord struct {
	// ID is the numeric key handle.
	ID uint64 `json:"id"`
	// State is available, blocked or purged.
	State string `json:"state"`
	// LastTouched is when the key last changed state or was kept alive.
	LastTouched time.Time `json:"last_touched"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Blocked   int `json:"blocked"`
	Purged    int `json:"purged"`
	// IDsRemaining is how many ids generate can still issue.
	IDsRemaining uint64 `json:"ids_remaining"`
	// AvailableTTLSeconds is the idle lifetime of an available key.
	AvailableTTLSeconds float64 `json:"available_ttl_seconds"`
	// BlockedTTLSeconds is how long a key may stay blocked.
	BlockedTTLSeconds float64 `json:"blocked_ttl_seconds"`
}

// Snapshot is a point-in-time dump of the pool. The same document is served
// by GET /v1/snapshot and written by the snapshot exporter.
type Snapshot struct {
	// ID uniquely identifies the snapshot (UUIDv7, time ordered).
	ID string `json:"id"`
	// TakenAt is the server time the snapshot was taken.
	TakenAt time.Time `json:"taken_at"`
	// Stats are the per-state counts at TakenAt.
	Stats StatsResponse `json:"stats"`
	// Keys lists every key ordered by id.
	Keys []KeyRecord `json:"keys"`
}
