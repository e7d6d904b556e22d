package avatar

import (
	"context"
	"sync"
)

// Trace holds hooks a caller can attach to an operation's context.
type Trace struct {
	// Accepted is called once Connect, SendMessage or StopRecording has
	// claimed the session, before any network work. It is not called when
	// the operation is rejected up front.
	Accepted func()
}

type traceKey struct{}

// WithTrace returns a context carrying trace. Accepted fires at most once per
// context even when an operation passes the context on.
func WithTrace(ctx context.Context, trace Trace) context.Context {
	if trace.Accepted != nil {
		var once sync.Once
		fn := trace.Accepted
		trace.Accepted = func() { once.Do(fn) }
	}
	return context.WithValue(ctx, traceKey{}, trace)
}

func traceAccepted(ctx context.Context) {
	if trace, ok := ctx.Value(traceKey{}).(Trace); ok && trace.Accepted != nil {
		trace.Accepted()
	}
}
