// Package responder defines the capability a Worker delegates to in order
// to turn a decoded request into a result: a small interface the
// transport invokes and the application implements.
package responder

import (
	"context"
	"encoding/json"

	"github.com/postageapp/skein/rpc"
)

// Responder produces a JSON result (or a typed error) for a decoded
// request, and reports whether its host has been asked to terminate.
//
// A Worker invokes Respond sequentially per channel — never concurrently
// with itself — so an implementation need not synchronize interior state
// that only Respond touches. Terminated must be fast and non-blocking;
// the Worker polls it between deliveries.
type Responder interface {
	// Respond handles one decoded request and returns its JSON result, or
	// an error. Returning an *rpc.ErrorResponse surfaces its code, message,
	// and data verbatim on the wire; any other error is translated by the
	// Worker into a redacted -32603 internal error.
	Respond(ctx context.Context, request *rpc.Request) (json.RawMessage, error)

	// Terminated reports whether the host has been asked to shut down.
	Terminated() bool
}
