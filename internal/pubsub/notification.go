package pubsub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Martian-dev/convosync/internal/apiclient"
)

// Notification is the Gmail watch payload: the mailbox that changed and the
// history id it reached.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// ParseNotification decodes a notification delivered either as raw JSON or
// as base64-encoded JSON. historyId may be a JSON number or a string.
func ParseNotification(data []byte) (*Notification, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		decoded, err := decodeBase64(data)
		if err != nil {
			return nil, fmt.Errorf("notification is neither json nor base64: %w", apiclient.ErrValidation)
		}
		data = bytes.TrimSpace(decoded)
	}

	var raw struct {
		EmailAddress string      `json:"emailAddress"`
		HistoryID    json.Number `json:"historyId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode notification: %v: %w", err, apiclient.ErrValidation)
	}
	if raw.EmailAddress == "" {
		return nil, fmt.Errorf("notification without emailAddress: %w", apiclient.ErrValidation)
	}

	id, err := strconv.ParseUint(raw.HistoryID.String(), 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("notification with invalid historyId %q: %w", raw.HistoryID, apiclient.ErrValidation)
	}

	return &Notification{EmailAddress: raw.EmailAddress, HistoryID: id}, nil
}

func decodeBase64(data []byte) ([]byte, error) {
	s := string(data)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

// PushEnvelope is the body Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush parses a push request body.
func DecodePush(body []byte) (*PushEnvelope, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode push envelope: %v: %w", err, apiclient.ErrValidation)
	}
	if len(env.Message.Data) == 0 {
		return nil, fmt.Errorf("push envelope without data: %w", apiclient.ErrValidation)
	}
	return &env, nil
}
