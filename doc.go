// Package keyserver embeds a key-lease server: a pool of numeric keys that
// clients generate, block, release, refresh and delete over HTTP, with a
// background sweeper that expires idle and abandoned keys.
//
// # Key lifecycle
//
// A generated key starts available. Acquire (GET /getkey) blocks one
// available key; Release (GET /unblock/{id}) returns it. An available key
// that receives no heartbeat (GET /keep_alive/{id}) for AvailableTTL is
// purged, and a blocked key that is not released within BlockedTTL is forced
// back to available. Purged keys are terminal: their ids are never reissued
// and every operation except Delete reports them as being in the wrong state.
//
// # Running a server
//
//	srv, err := keyserver.NewServer(keyserver.Config{
//	    Listen:       ":8080",
//	    AvailableTTL: 5 * time.Minute,
//	    BlockedTTL:   time.Minute,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("keyserver: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer wraps the same steps and returns once the listener is bound.
// Tests use StartTestServer, which binds a loopback port and attaches a
// client.Client.
//
// # Snapshots
//
// When Config.SnapshotStore names a sink (mem://, disk://, s3://, aws://,
// azure:// or redis://) the server periodically writes the whole pool as JSON
// to <prefix>/snapshots/<id>.json and <prefix>/latest.json, and once more on
// shutdown. Snapshots feed dashboards and audits; the server never reads
// them back, so the pool always starts empty.
//
// # Observability
//
// Logs are structured pslog events tagged with a sys field. Setting
// MetricsListen exposes OpenTelemetry metrics in Prometheus format,
// including per-state key gauges and sweeper counters. OTLPEndpoint enables
// trace export with one span per HTTP request.
package keyserver
