package crypto

import (
	"context"
	"fmt"
)

// EnginePool manages a fixed set of engines for parallel evaluation.
// All engines share the context's keys but have independent evaluators.
type EnginePool struct {
	engines []*Engine
	free    chan *Engine
}

// NewEnginePool creates a pool of n engines summing over dimension slots.
// Recommended: n = runtime.NumCPU().
func NewEnginePool(hctx *Context, n, dimension int) (*EnginePool, error) {
	if n < 1 {
		n = 1
	}

	pool := &EnginePool{
		engines: make([]*Engine, n),
		free:    make(chan *Engine, n),
	}

	for i := 0; i < n; i++ {
		engine, err := hctx.NewEngine(dimension)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine %d: %w", i, err)
		}
		pool.engines[i] = engine
		pool.free <- engine
	}

	return pool, nil
}

// Acquire gets an engine from the pool, blocking until one is free or ctx
// is done. The caller MUST call Release when done.
func (p *EnginePool) Acquire(ctx context.Context) (*Engine, error) {
	select {
	case e := <-p.free:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an engine to the pool.
func (p *EnginePool) Release(e *Engine) {
	p.free <- e
}

// Do runs fn with an engine checked out of the pool.
func (p *EnginePool) Do(ctx context.Context, fn func(*Engine) error) error {
	engine, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(engine)
	return fn(engine)
}

// Size returns the number of engines in the pool.
func (p *EnginePool) Size() int {
	return len(p.engines)
}

// Span returns the slot span shared by every engine in the pool.
func (p *EnginePool) Span() int {
	return p.engines[0].span
}
