package facebook

import (
	"context"

	"github.com/Martian-dev/convosync/internal/thread"
)

// CommentFetcher lists the replies of a post or comment as thread nodes.
type CommentFetcher struct {
	Graph *Graph
	Token string
}

// Children implements thread.Fetcher.
func (f *CommentFetcher) Children(ctx context.Context, id string) ([]thread.Node, error) {
	comments, err := f.Graph.Comments(ctx, id, f.Token)
	if err != nil {
		return nil, err
	}

	nodes := make([]thread.Node, 0, len(comments))
	for _, c := range comments {
		nodes = append(nodes, commentNode(c))
	}
	return nodes, nil
}

func commentNode(c Comment) thread.Node {
	return thread.Node{
		ID:         c.ID,
		ParentID:   c.ParentID(),
		Author:     thread.Author{ID: c.From.ID, Name: c.From.Name},
		Body:       c.Message,
		CreatedAt:  c.CreatedTime.Time,
		ChildCount: c.Replies(),
	}
}
