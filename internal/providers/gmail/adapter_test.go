package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/convosync/internal/apiclient"
	"github.com/Martian-dev/convosync/internal/sync"
)

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	require.NoError(t, err)
	return New(svc)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestListChanges(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		assert.Equal(t, "messageAdded", r.URL.Query().Get("historyTypes"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, `{
				"history": [
					{"id": "101", "messagesAdded": [{"message": {"id": "m1"}}]},
					{"id": "102", "messagesAdded": [{"message": {"id": "m2"}}, {"message": {"id": "m3"}}]}
				],
				"nextPageToken": "p2",
				"historyId": "105"
			}`)
			return
		}
		writeJSON(w, http.StatusOK, `{
			"history": [{"id": "104", "messagesAdded": [{"message": {"id": "m4"}}]}],
			"historyId": "105"
		}`)
	})

	batch, err := newTestAdapter(t, mux).ListChanges(context.Background(), "100")
	require.NoError(t, err)

	require.Len(t, batch.Changes, 3)
	assert.Equal(t, sync.Change{Position: "101", ItemIDs: []string{"m1"}}, batch.Changes[0])
	assert.Equal(t, []string{"m2", "m3"}, batch.Changes[1].ItemIDs)
	assert.Equal(t, "104", batch.Changes[2].Position)
	assert.Equal(t, "105", batch.Next)
}

func TestListChangesExpiredCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error": {"code": 404, "message": "Requested entity was not found."}}`)
	})

	_, err := newTestAdapter(t, mux).ListChanges(context.Background(), "1")
	assert.ErrorIs(t, err, sync.ErrCursorExpired)
}

func TestListChangesClassifiesErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"error": {"code": 401, "message": "Invalid Credentials"}}`)
	})

	_, err := newTestAdapter(t, mux).ListChanges(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, apiclient.IsAuth(err))

	_, err = newTestAdapter(t, mux).ListChanges(context.Background(), "abc")
	assert.True(t, apiclient.IsValidation(err))
}

func TestFetchMessage(t *testing.T) {
	body := base64.URLEncoding.EncodeToString([]byte("Hello there"))
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(w, http.StatusOK, `{
			"id": "m1",
			"threadId": "t1",
			"internalDate": "1709287200000",
			"snippet": "Hello",
			"payload": {
				"mimeType": "multipart/alternative",
				"headers": [
					{"name": "Subject", "value": "Greetings"},
					{"name": "From", "value": "Jane Doe <Jane@Example.com>"},
					{"name": "To", "value": "a@example.com, b@example.com"}
				],
				"parts": [
					{"mimeType": "text/html", "body": {"data": "PGI-SGk8L2I-"}},
					{"mimeType": "text/plain", "body": {"data": "`+body+`"}}
				]
			}
		}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error": {"code": 404, "message": "Not Found"}}`)
	})

	a := newTestAdapter(t, mux)

	p, err := a.FetchMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "t1", p.ThreadID)
	assert.Equal(t, "Greetings", p.Title)
	assert.Equal(t, "Hello there", p.Body)
	assert.Equal(t, "jane@example.com", p.AuthorID)
	assert.Equal(t, "Jane Doe", p.AuthorName)
	assert.Equal(t, int64(1709287200), p.SentAt.Unix())
	assert.Contains(t, string(p.Raw), `"b@example.com"`)

	_, err = a.FetchMessage(context.Background(), "gone")
	assert.ErrorIs(t, err, sync.ErrItemGone)
}

func TestCurrentCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"emailAddress": "me@example.com", "historyId": "4242"}`)
	})

	cursor, err := newTestAdapter(t, mux).CurrentCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4242", cursor)
}

func TestWatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusOK, `{"historyId": "77", "expiration": "1709287200000"}`)
	})

	id, exp, err := newTestAdapter(t, mux).Watch(context.Background(), "projects/p/topics/t")
	require.NoError(t, err)
	assert.Equal(t, uint64(77), id)
	assert.Equal(t, int64(1709287200), exp.Unix())
}

func TestNormalizeFallsBackToSnippet(t *testing.T) {
	p, err := Normalize(&gmail.Message{Id: "m1", Snippet: "preview only", Payload: &gmail.MessagePart{}})
	require.NoError(t, err)
	assert.Equal(t, "preview only", p.Body)
	assert.Equal(t, "", p.ThreadID)

	_, err = Normalize(&gmail.Message{})
	assert.True(t, apiclient.IsValidation(err))
}
