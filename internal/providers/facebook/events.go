package facebook

import (
	"encoding/json"
	"fmt"

	"github.com/Martian-dev/convosync/internal/apiclient"
)

// Event is the body of a page webhook delivery.
type Event struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes of one page.
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Changes   []Change    `json:"changes"`
	Messaging []Messaging `json:"messaging"`
}

// Change is one feed change.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue is the value of a feed change.
type ChangeValue struct {
	Item        string `json:"item"`
	Verb        string `json:"verb"`
	PostID      string `json:"post_id"`
	CommentID   string `json:"comment_id"`
	ParentID    string `json:"parent_id"`
	From        Sender `json:"from"`
	Message     string `json:"message"`
	CreatedTime Time   `json:"created_time"`
}

// Messaging is one Messenger event.
type Messaging struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", apiclient.ErrValidation, err)
	}
	if ev.Object == "" {
		return nil, fmt.Errorf("%w: webhook payload without object", apiclient.ErrValidation)
	}
	return &ev, nil
}
