package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tree maps a node id to its replies. Every node listed as a key with
// replies reports a matching ChildCount.
type tree map[string][]string

func (tr tree) fetcher(fail map[string]error) FetcherFunc {
	return func(ctx context.Context, id string) ([]Node, error) {
		if err, ok := fail[id]; ok {
			return nil, err
		}
		var out []Node
		for _, child := range tr[id] {
			out = append(out, Node{ID: child, ChildCount: len(tr[child])})
		}
		return out, nil
	}
}

func ids(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestResolvePreOrder(t *testing.T) {
	tr := tree{
		"post": {"c1", "c2", "c3"},
		"c1":   {"c1.1", "c1.2"},
		"c1.1": {"c1.1.1"},
		"c3":   {"c3.1"},
	}
	r := &Resolver{Fetcher: tr.fetcher(nil)}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c1.1", "c1.1.1", "c1.2", "c2", "c3", "c3.1"}, ids(res.Nodes))
	assert.Empty(t, res.Failures)
	assert.False(t, res.Truncated())

	byID := map[string]Node{}
	for _, n := range res.Nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, "post", byID["c1"].ParentID)
	assert.Equal(t, "c1.1", byID["c1.1.1"].ParentID)
	assert.Equal(t, 3, byID["c1.1.1"].Depth)
}

func TestResolveBranchFailureKeepsSiblings(t *testing.T) {
	tr := tree{
		"post": {"a", "b", "c"},
		"a":    {"a.1"},
		"b":    {"b.1"},
		"c":    {"c.1"},
	}
	boom := errors.New("graph unavailable")
	r := &Resolver{Fetcher: tr.fetcher(map[string]error{"b": boom})}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "a.1", "b", "c", "c.1"}, ids(res.Nodes))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].NodeID)
	assert.ErrorIs(t, res.Failures[0].Err, boom)
}

func TestResolveRootFailure(t *testing.T) {
	boom := errors.New("post deleted")
	r := &Resolver{Fetcher: tree{}.fetcher(map[string]error{"post": boom})}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)
	assert.Empty(t, res.Nodes)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, boom)
}

func TestResolveDepthLimit(t *testing.T) {
	tr := tree{"post": {"d1"}}
	parent := "d1"
	for i := 2; i <= 20; i++ {
		child := fmt.Sprintf("d%d", i)
		tr[parent] = []string{child}
		parent = child
	}
	r := &Resolver{Fetcher: tr.fetcher(nil), Limits: Limits{MaxDepth: 5}}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)

	assert.Len(t, res.Nodes, 5)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "d5", res.Failures[0].NodeID)
	assert.ErrorIs(t, res.Failures[0].Err, ErrDepthExceeded)
	assert.True(t, res.Truncated())
}

func TestResolveDeepChainDoesNotRecurse(t *testing.T) {
	tr := tree{"post": {"n1"}}
	parent := "n1"
	for i := 2; i <= 50_000; i++ {
		child := fmt.Sprintf("n%d", i)
		tr[parent] = []string{child}
		parent = child
	}
	r := &Resolver{Fetcher: tr.fetcher(nil), Limits: Limits{MaxDepth: 100_000, MaxNodes: 100_000}}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 50_000)
	assert.Empty(t, res.Failures)
}

func TestResolveNodeLimit(t *testing.T) {
	tr := tree{"post": {}}
	for i := 0; i < 100; i++ {
		tr["post"] = append(tr["post"], fmt.Sprintf("c%d", i))
	}
	r := &Resolver{Fetcher: tr.fetcher(nil), Limits: Limits{MaxNodes: 10}}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)

	assert.Len(t, res.Nodes, 10)
	assert.Equal(t, "c0", res.Nodes[0].ID)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, ErrTooManyNodes)
}

func TestResolveSkipsRepeatedIDs(t *testing.T) {
	tr := tree{
		"post": {"a", "b"},
		"a":    {"b"},
	}
	r := &Resolver{Fetcher: tr.fetcher(nil)}

	res, err := r.Resolve(context.Background(), "post")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(res.Nodes))
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := FetcherFunc(func(ctx context.Context, id string) ([]Node, error) {
		cancel()
		return []Node{{ID: id + ".1", ChildCount: 1}}, nil
	})
	r := &Resolver{Fetcher: f}

	_, err := r.Resolve(ctx, "post")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var active, peak int32
	var mu sync.Mutex
	f := FetcherFunc(func(ctx context.Context, id string) ([]Node, error) {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return []Node{{ID: id + "-c"}}, nil
	})

	pool := &Pool{Resolver: &Resolver{Fetcher: f}, Concurrency: 2}
	roots := []string{"p1", "p2", "p3", "p4", "p5", "p6"}

	results, err := pool.ResolveAll(context.Background(), roots)
	require.NoError(t, err)
	require.Len(t, results, len(roots))
	for _, root := range roots {
		assert.Equal(t, []string{root + "-c"}, ids(results[root].Nodes))
	}
	assert.LessOrEqual(t, peak, int32(2))
}
