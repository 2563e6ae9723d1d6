package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestGCPReceiverEnsureAndReceive(t *testing.T) {
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx := context.Background()
	r, err := NewGCPReceiver(ctx, "convosync-test", "gmail-topic", "gmail-sub", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Ensure(ctx))
	require.NoError(t, r.Ensure(ctx), "ensure must be idempotent")

	payload := []byte(`{"emailAddress":"user@example.com","historyId":"99"}`)
	srv.Publish("projects/convosync-test/topics/gmail-topic", payload, nil)

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	got := make(chan []byte, 1)
	err = r.Receive(recvCtx, func(ctx context.Context, msg Message) {
		msg.Ack()
		select {
		case got <- msg.Data():
		default:
		}
		cancel()
	})
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.JSONEq(t, string(payload), string(data))
	default:
		t.Fatal("no message received")
	}
}
