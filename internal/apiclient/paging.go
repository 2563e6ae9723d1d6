package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// DefaultMaxPages caps how many pages GetAll follows.
const DefaultMaxPages = 50

type page struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// GetAll issues a GET and follows paging.next links, returning the
// concatenated data arrays. At most maxPages pages are read.
func GetAll(ctx context.Context, r Requester, cred Credential, path string, params url.Values, maxPages int) ([]json.RawMessage, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var items []json.RawMessage
	next := path
	for i := 0; i < maxPages && next != ""; i++ {
		raw, err := r.Get(ctx, cred, next, params)
		if err != nil {
			return items, err
		}

		var p page
		if err := json.Unmarshal(raw, &p); err != nil {
			return items, fmt.Errorf("%w: decode page: %v", ErrValidation, err)
		}
		items = append(items, p.Data...)

		// The next link already carries every query parameter.
		next = p.Paging.Next
		params = nil
	}
	return items, nil
}
