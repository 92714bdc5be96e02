// Package surface abstracts the controllable web client every pipeline
// drives: navigate, evaluate script, wait for a rendered condition, dispatch
// input. The production implementation speaks the Chrome DevTools protocol;
// tests substitute fakes.
package surface

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUITimeout reports that the client did not reach an expected state
	// within its bounded wait. Absorbed per item by the pipelines.
	ErrUITimeout = errors.New("surface: ui timeout")

	// ErrSessionLost reports that the underlying client is gone. Fatal to
	// the run in progress.
	ErrSessionLost = errors.New("surface: session lost")
)

// Surface is the minimal driver contract. Eval runs a script in the page and
// decodes its JSON-serializable result into out (out may be nil). WaitFor
// polls a boolean predicate expression until it holds or the timeout elapses,
// returning ErrUITimeout on expiry.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	Eval(ctx context.Context, expr string, out any) error
	WaitFor(ctx context.Context, predicate string, timeout time.Duration) error
	PressKey(ctx context.Context, key string) error
	Alive() bool
	Close() error
}
