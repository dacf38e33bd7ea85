package submit

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ahmethakanbesel/campaign-runner/internal/customer"
)

// Tiered tries the fast path first and falls back to automation only after
// the fast path has exhausted its retries.
type Tiered struct {
	fast Strategy
	auto Strategy
}

func NewTiered(fast, auto Strategy) *Tiered {
	return &Tiered{fast: fast, auto: auto}
}

func (t *Tiered) Submit(ctx context.Context, target string, rec customer.Record) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("submit: panic recovered", "customer", rec.Name, "panic", r)
			res = Result{Err: fmt.Errorf("submit panic: %v", r)}
		}
	}()

	fast := t.fast.Submit(ctx, target, rec)
	if fast.Success {
		return fast
	}
	if ctx.Err() != nil {
		return fast
	}
	slog.Info("submit: fast path exhausted, falling back to automation", "customer", rec.Name, "error", fast.Err)

	auto := t.auto.Submit(ctx, target, rec)
	if auto.Success {
		return auto
	}
	auto.Err = fmt.Errorf("%w (fast path: %v)", auto.Err, fast.Err)
	return auto
}

// TieredProvider opens one automation pool per job and binds it to a Tiered
// strategy sharing a single fast path.
type TieredProvider struct {
	alloc    Allocator
	fast     *FastPath
	autoOpts []AutomationOption
}

func NewTieredProvider(alloc Allocator, fast *FastPath, autoOpts ...AutomationOption) *TieredProvider {
	return &TieredProvider{alloc: alloc, fast: fast, autoOpts: autoOpts}
}

func (p *TieredProvider) Open(ctx context.Context) (Strategy, io.Closer, error) {
	pool, err := p.alloc.Allocate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate automation pool: %w", err)
	}
	return NewTiered(p.fast, NewAutomation(pool, p.autoOpts...)), pool, nil
}
