// Package client is the Go SDK for a keyserver.
//
// The five key operations return the affected id:
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := cli.Generate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	id, err := cli.Acquire(ctx)
//	if client.IsNotFound(err) {
//	    // pool is empty; generate more keys or retry later
//	}
//	defer cli.Release(ctx, id)
//
// Every failure the server reports is an *APIError carrying the HTTP status
// and the decoded api.ErrorResponse. IsNotFound matches all 404s (unknown id,
// wrong state, empty pool) and IsPoolExhausted matches the 500 returned once
// the id space is used up.
//
// Correlation ids set with WithCorrelationID (per client) or
// ContextWithCorrelationID (per call) are sent as X-Correlation-Id so client
// and server logs can be joined.
package client
