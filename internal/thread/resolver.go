package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDepthExceeded marks a node whose replies were not fetched because
	// it sits at the maximum depth.
	ErrDepthExceeded = errors.New("thread depth limit exceeded")
	// ErrTooManyNodes marks a traversal stopped at the node limit.
	ErrTooManyNodes = errors.New("thread node limit exceeded")
)

// Default traversal bounds.
const (
	DefaultMaxDepth = 10
	DefaultMaxNodes = 5000
)

// Author identifies who wrote a node.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Node is one comment or reply. ChildCount is the number of direct replies
// the platform reports; a negative value means unknown and the node is
// always expanded.
type Node struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Author     Author    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	ChildCount int       `json:"child_count"`
	Depth      int       `json:"depth"`
}

// Fetcher lists the direct replies of a node, in platform order.
type Fetcher interface {
	Children(ctx context.Context, id string) ([]Node, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id string) ([]Node, error)

// Children implements Fetcher.
func (f FetcherFunc) Children(ctx context.Context, id string) ([]Node, error) {
	return f(ctx, id)
}

// Limits bounds one traversal. Zero values select the defaults.
type Limits struct {
	MaxDepth int `koanf:"max_depth"`
	MaxNodes int `koanf:"max_nodes"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = DefaultMaxNodes
	}
	return l
}

// Failure records a branch that could not be fully resolved.
type Failure struct {
	NodeID string
	Err    error
}

// Result is the flattened tree under one root, in pre-order.
type Result struct {
	RootID   string
	Nodes    []Node
	Failures []Failure
}

// Truncated reports whether a limit cut the traversal short.
func (r *Result) Truncated() bool {
	for _, f := range r.Failures {
		if errors.Is(f.Err, ErrDepthExceeded) || errors.Is(f.Err, ErrTooManyNodes) {
			return true
		}
	}
	return false
}

// Resolver walks a reply tree with an explicit stack, so arbitrarily deep
// threads never grow the goroutine stack.
type Resolver struct {
	Fetcher Fetcher
	Limits  Limits
}

type frame struct {
	node  Node
	depth int
}

// Resolve returns every node reachable from rootID, parents before their
// replies and siblings in the order the Fetcher returned them. Fetch failures
// are recorded per branch and never abort siblings. The only error returned
// is the context's.
func (r *Resolver) Resolve(ctx context.Context, rootID string) (*Result, error) {
	limits := r.Limits.withDefaults()
	result := &Result{RootID: rootID}
	seen := map[string]bool{rootID: true}

	var stack []frame
	push := func(parentID string, children []Node, depth int) {
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			if child.ID == "" || seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			if child.ParentID == "" {
				child.ParentID = parentID
			}
			child.Depth = depth
			stack = append(stack, frame{node: child, depth: depth})
		}
	}

	children, err := r.Fetcher.Children(ctx, rootID)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Failures = append(result.Failures, Failure{NodeID: rootID, Err: err})
		return result, nil
	}
	push(rootID, children, 1)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(result.Nodes) >= limits.MaxNodes {
			result.Failures = append(result.Failures, Failure{
				NodeID: top.node.ID,
				Err:    fmt.Errorf("%w: %d nodes", ErrTooManyNodes, limits.MaxNodes),
			})
			log.Warn().Str("root", rootID).Int("max_nodes", limits.MaxNodes).Msg("thread truncated")
			break
		}
		result.Nodes = append(result.Nodes, top.node)

		if top.node.ChildCount == 0 {
			continue
		}
		if top.depth >= limits.MaxDepth {
			result.Failures = append(result.Failures, Failure{
				NodeID: top.node.ID,
				Err:    fmt.Errorf("%w: depth %d", ErrDepthExceeded, top.depth),
			})
			continue
		}

		children, err := r.Fetcher.Children(ctx, top.node.ID)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			log.Debug().Err(err).Str("root", rootID).Str("node", top.node.ID).Msg("failed to fetch replies")
			result.Failures = append(result.Failures, Failure{NodeID: top.node.ID, Err: err})
			continue
		}
		push(top.node.ID, children, top.depth+1)
	}

	return result, nil
}
