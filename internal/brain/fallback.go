package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// The fallback only runs while no primary delta has reached the caller, so a
// reply is never stitched together from two models.
type FallbackAdapter struct {
	primary           Adapter
	fallback          Adapter
	firstDeltaTimeout time.Duration
}

// NewFallbackAdapter builds the pair. A positive firstDeltaTimeout also moves
// to the fallback when the primary has produced nothing by then.
func NewFallbackAdapter(primary, fallback Adapter, firstDeltaTimeout time.Duration) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback, firstDeltaTimeout: firstDeltaTimeout}
}

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a.primary == nil {
		if a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, fmt.Errorf("fallback adapter misconfigured")
	}

	type result struct {
		resp Response
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	var (
		gate       sync.Mutex
		delivered  bool
		abandoned  bool
		firstDelta = make(chan struct{})
		firstOnce  sync.Once
		done       = make(chan result, 1)
	)
	go func() {
		resp, err := a.primary.StreamResponse(primaryCtx, req, func(delta string) error {
			gate.Lock()
			if abandoned {
				gate.Unlock()
				return context.Canceled
			}
			delivered = true
			gate.Unlock()
			if strings.TrimSpace(delta) != "" {
				firstOnce.Do(func() { close(firstDelta) })
			}
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		done <- result{resp: resp, err: err}
	}()

	var timeout <-chan time.Time
	if a.firstDeltaTimeout > 0 && a.fallback != nil {
		timer := time.NewTimer(a.firstDeltaTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var primary result
	timedOut := false
	select {
	case primary = <-done:
	case <-firstDelta:
		primary = <-done
	case <-timeout:
		gate.Lock()
		if delivered {
			gate.Unlock()
			primary = <-done
		} else {
			abandoned = true
			gate.Unlock()
			cancelPrimary()
			timedOut = true
		}
	}

	gate.Lock()
	anyDelivered := delivered
	gate.Unlock()

	if !timedOut {
		if primary.err == nil {
			return primary.resp, nil
		}
		if errors.Is(primary.err, context.Canceled) || errors.Is(primary.err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Response{}, primary.err
		}
		if a.fallback == nil || anyDelivered {
			return Response{}, primary.err
		}
	}

	resp, err := a.fallback.StreamResponse(ctx, req, onDelta)
	if err != nil {
		if timedOut {
			return Response{}, fmt.Errorf("primary adapter timeout before first delta (%s); fallback adapter error: %w", a.firstDeltaTimeout, err)
		}
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", primary.err, err)
	}
	return resp, nil
}
