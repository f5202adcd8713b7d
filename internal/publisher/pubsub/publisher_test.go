package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const testProject = "pagesnap-test"

func newTestPublisher(t *testing.T, topics ...string) (*Publisher, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	ctx := context.Background()
	pub, err := Open(ctx, testProject, "captures",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	for _, name := range topics {
		_, err := pub.client.CreateTopic(ctx, name)
		require.NoError(t, err)
	}
	return pub, srv
}

func TestPublishDefaultTopic(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t, "captures")

	id, err := pub.Publish(context.Background(), "", map[string]string{"capture_id": "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	require.Equal(t, "c1", payload["capture_id"])
}

func TestPublishNamedTopic(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t, "captures", "audit")

	_, err := pub.Publish(context.Background(), "audit", "hello")
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "audit", "again")
	require.NoError(t, err)
	require.Len(t, srv.Messages(), 2)
	require.Len(t, pub.topics, 1)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)

	_, err := pub.Publish(context.Background(), "missing", "payload")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "captures", func() {})
	require.ErrorContains(t, err, "marshal payload")

	empty := New(pub.client, "")
	_, err = empty.Publish(context.Background(), "", "payload")
	require.ErrorContains(t, err, "topic name")

	var unset Publisher
	_, err = unset.Publish(context.Background(), "captures", "payload")
	require.ErrorContains(t, err, "not configured")

	_, err = Open(context.Background(), "", "captures")
	require.ErrorContains(t, err, "project id")
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

