package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/GhostRoom/pkg/chat"
	"github.com/Gopher0727/GhostRoom/pkg/envelope"
	"github.com/Gopher0727/GhostRoom/pkg/realtime"
)

type stubAPI struct{}

func (stubAPI) Join(context.Context, string, string) (int, error) { return 1, nil }
func (stubAPI) Heartbeat(context.Context, string) error         { return nil }
func (stubAPI) Cleanup(context.Context) (int, error)              { return 0, nil }

type stubLeaves struct{}

func (stubLeaves) Enqueue(string, string) {}

func TestRender_RejectionPrintedOnce(t *testing.T) {
	ctx := context.Background()
	broker := realtime.NewMemoryBroker()

	alice, err := broker.Subscribe(ctx, "g1", realtime.SubscribeOptions{Identity: "alice"}, realtime.HandlerFuncs{})
	require.NoError(t, err)
	require.NoError(t, alice.TrackPresence(ctx, nil))

	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	exported, err := envelope.Export(key)
	require.NoError(t, err)

	sess, err := chat.NewSession(chat.Config{GroupID: "g1", Broker: broker, API: stubAPI{}, Leaves: stubLeaves{}})
	require.NoError(t, err)
	require.NoError(t, sess.OpenInvitation(exported))
	require.NoError(t, sess.BeginNaming(ctx))
	require.Eventually(t, func() bool { return sess.ParticipantCount() == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, sess.ChooseName(ctx, "alice"), chat.ErrNameTaken)

	var out bytes.Buffer
	render(&out, sess, chat.Change{Kind: chat.ChangeRejection})
	assert.Contains(t, out.String(), `"alice" is already in this group`)
	assert.NotContains(t, out.String(), `\"`)
}

func TestGatewayURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:9000/realtime", gatewayURL("http://localhost:9000"))
	assert.Equal(t, "wss://chat.example.com/realtime", gatewayURL("https://chat.example.com"))
}
