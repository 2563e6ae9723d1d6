package thread

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many top-level posts resolve at once.
const DefaultConcurrency = 4

// Pool resolves many roots with bounded parallelism. Each root is one unit
// of work; the traversal under a root stays sequential.
type Pool struct {
	Resolver    *Resolver
	Concurrency int
}

// ResolveAll resolves every root and returns the results keyed by root id.
// Per-branch failures stay inside each Result.
func (p *Pool) ResolveAll(ctx context.Context, roots []string) (map[string]*Result, error) {
	limit := p.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	results := make(map[string]*Result, len(roots))

	for _, root := range roots {
		g.Go(func() error {
			res, err := p.Resolver.Resolve(ctx, root)
			mu.Lock()
			results[root] = res
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
