package backend

import (
	"context"
	"errors"
)

// Fallback tries the primary backend and switches to the secondary only
// when the primary is unavailable before its first event. Errors after
// streaming has started are surfaced unchanged.
type Fallback struct {
	Primary   Backend
	Secondary Backend
	// OnFallback is called with the primary's error when switching.
	OnFallback func(error)
}

// NewFallback returns primary alone when secondary is nil.
func NewFallback(primary, secondary Backend) Backend {
	if secondary == nil {
		return primary
	}
	return &Fallback{Primary: primary, Secondary: secondary}
}

// Name implements Backend.
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Stream implements Backend.
func (f *Fallback) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ch, err := f.Primary.Stream(ctx, req)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
		return nil, err
	}
	if f.OnFallback != nil {
		f.OnFallback(err)
	}
	ch, err2 := f.Secondary.Stream(ctx, req)
	if err2 != nil {
		return nil, errors.Join(err, err2)
	}
	return ch, nil
}

// Complete implements Completer when either side does.
func (f *Fallback) Complete(ctx context.Context, system, user string) (string, error) {
	var firstErr error
	for _, b := range []Backend{f.Primary, f.Secondary} {
		c, ok := b.(Completer)
		if !ok {
			continue
		}
		out, err := c.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if !errors.Is(err, ErrUnavailable) {
			return "", err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no backend supports completion")
	}
	return "", firstErr
}
