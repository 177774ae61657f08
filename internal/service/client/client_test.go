package client_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaychat/internal/cryptographic/signature"
	"relaychat/internal/model"
	"relaychat/internal/relaytest"
	"relaychat/internal/service/client"
	"relaychat/internal/service/session"
)

const testTimeout = 5 * time.Second

type testClient struct {
	*client.Client
	identity *signature.Identity
}

func startClient(t *testing.T, relay *relaytest.Relay, userID string, opts ...func(*client.Config)) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	id, err := signature.GenerateIdentity()
	require.NoError(t, err)

	sess := session.New(relay.URL(), userID, id)
	require.NoError(t, sess.Register(ctx, userID))
	require.NoError(t, sess.Login(ctx))

	cfg := client.Config{
		ServerURL:         relay.URL(),
		UserID:            userID,
		Identity:          id,
		Session:           sess,
		ReconnectInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cl := client.New(cfg)
	require.NoError(t, cl.Connect(ctx))
	t.Cleanup(cl.Disconnect)

	require.Eventually(t, func() bool { return relay.Connected(userID) },
		testTimeout, 10*time.Millisecond)
	return &testClient{Client: cl, identity: id}
}

func receive(t *testing.T, cl *testClient) *model.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := cl.NextMessage(ctx)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, cl *testClient, msg *model.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, cl.SendMessage(ctx, msg))
}

func TestDirectMessageEndToEnd(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	send(t, alice, &model.Message{To: "bob", Content: "hello"})

	got := receive(t, bob)
	require.Equal(t, "alice", got.From)
	require.Equal(t, model.StatusVerified, got.Status)
	require.Equal(t, "hello", got.Content)
	require.NotNil(t, got.Timestamp)
	require.NotNil(t, got.ID)
}

// The relay must never see plaintext for direct messages.
func TestDirectMessageIsOpaqueToThirdParties(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")
	eve := startClient(t, relay, "eve")

	send(t, alice, &model.Message{To: "bob", Content: "between us"})
	got := receive(t, bob)
	require.Equal(t, "between us", got.Content)

	// Eve receives nothing: the relay routes direct frames to bob alone.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := eve.NextMessage(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastIsSignedButNeverDecrypted(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	send(t, alice, &model.Message{To: model.Broadcast, Content: "hi everyone"})

	got := receive(t, bob)
	require.Equal(t, model.Broadcast, got.To)
	require.Equal(t, model.StatusVerified, got.Status)
	// Plaintext on the wire and untouched by the decrypt path.
	require.Equal(t, "hi everyone", got.Content)
	require.NotEmpty(t, got.Signature)
}

func TestForwardMessageBypassesAllProcessing(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	send(t, alice, &model.Message{
		To:               "bob",
		Content:          "{not valid ciphertext at all",
		IsForwardMessage: true,
	})

	got := receive(t, bob)
	require.Equal(t, "{not valid ciphertext at all", got.Content)
	require.Empty(t, got.Status)
	require.Empty(t, got.Signature)
	require.True(t, got.IsForwardMessage)
}

func TestSystemMessagePassesThroughUnchanged(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	bob := startClient(t, relay, "bob")

	require.True(t, relay.Deliver("bob", &model.Message{
		From:    model.SystemSender,
		To:      "bob",
		Content: "maintenance at noon",
	}))

	got := receive(t, bob)
	require.Equal(t, model.SystemSender, got.From)
	require.Equal(t, "maintenance at noon", got.Content)
	require.Empty(t, got.Status)
}

func TestUnsignedMessageGetsUnsignedStatus(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	require.True(t, relay.Deliver("bob", &model.Message{
		From:    "alice",
		To:      model.Broadcast,
		Content: "who am I",
	}))

	got := receive(t, bob)
	require.Equal(t, model.StatusUnsigned, got.Status)
}

func TestSignedGarbageYieldsDecryptionFailed(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	// Properly signed by alice, but the body is not an encrypted envelope.
	now := time.Now().UTC()
	msg := &model.Message{From: "alice", To: "bob", Content: "just plaintext", Timestamp: &now}
	sig := alice.identity.Sign(msg.SigningString())
	msg.Signature = base64.StdEncoding.EncodeToString(sig)
	require.True(t, relay.Deliver("bob", msg))

	got := receive(t, bob)
	require.Equal(t, model.StatusDecryptionFailed, got.Status)
	// Content is left exactly as received.
	require.Equal(t, "just plaintext", got.Content)
}

func TestUnknownSenderKeyYieldsUnverified(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	bob := startClient(t, relay, "bob")

	now := time.Now().UTC()
	require.True(t, relay.Deliver("bob", &model.Message{
		From:      "ghost",
		To:        model.Broadcast,
		Content:   "boo",
		Timestamp: &now,
		Signature: base64.StdEncoding.EncodeToString(make([]byte, 64)),
	}))

	got := receive(t, bob)
	require.Equal(t, model.StatusUnverified, got.Status)
}

func TestTamperedMessageYieldsInvalidSignature(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	now := time.Now().UTC()
	msg := &model.Message{From: "alice", To: model.Broadcast, Content: "original", Timestamp: &now}
	sig := alice.identity.Sign(msg.SigningString())
	msg.Signature = base64.StdEncoding.EncodeToString(sig)
	msg.Content = "tampered in flight"
	require.True(t, relay.Deliver("bob", msg))

	got := receive(t, bob)
	require.Equal(t, model.StatusInvalidSignature, got.Status)
}

func TestReconnectReusesToken(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")
	require.Equal(t, 2, relay.LoginCount())

	relay.DropConnections()
	require.Eventually(t, func() bool {
		return relay.Connected("alice") && relay.Connected("bob")
	}, testTimeout, 10*time.Millisecond)

	// No fresh login happened; the original bearer tokens were reused.
	require.Equal(t, 2, relay.LoginCount())

	send(t, alice, &model.Message{To: "bob", Content: "still here"})
	got := receive(t, bob)
	require.Equal(t, model.StatusVerified, got.Status)
	require.Equal(t, "still here", got.Content)
}

func TestReconnectAfterTokenExpiryRunsLogin(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	startClient(t, relay, "alice")
	require.Equal(t, 1, relay.LoginCount())

	relay.ExpireTokens()
	relay.DropConnections()

	require.Eventually(t, func() bool { return relay.Connected("alice") },
		testTimeout, 10*time.Millisecond)
	require.Equal(t, 2, relay.LoginCount())
}

// A stalled consumer must delay the read pump, never lose frames, and
// preserve arrival order.
func TestInboundBackpressureDropsNothing(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	bob := startClient(t, relay, "bob", func(cfg *client.Config) {
		cfg.QueueCapacity = 8
	})

	const total = 50
	for i := 0; i < total; i++ {
		require.True(t, relay.Deliver("bob", &model.Message{
			From:    model.SystemSender,
			To:      "bob",
			Content: fmt.Sprintf("seq-%03d", i),
		}))
	}

	// Let the pump hit the full queue before draining.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < total; i++ {
		got := receive(t, bob)
		require.Equal(t, fmt.Sprintf("seq-%03d", i), got.Content)
	}
}

func TestSendToUnknownRecipientDropsOnlyThatMessage(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	bob := startClient(t, relay, "bob")

	// Key lookup for "ghost" fails; the write pump logs and moves on.
	send(t, alice, &model.Message{To: "ghost", Content: "lost"})
	send(t, alice, &model.Message{To: "bob", Content: "made it"})

	got := receive(t, bob)
	require.Equal(t, "made it", got.Content)
	require.Equal(t, model.StatusVerified, got.Status)
}

func TestSendAfterDisconnectFails(t *testing.T) {
	relay := relaytest.Start()
	defer relay.Close()

	alice := startClient(t, relay, "alice")
	alice.Disconnect()

	err := alice.SendMessage(context.Background(), &model.Message{To: "bob", Content: "x"})
	require.ErrorIs(t, err, client.ErrShuttingDown)
}
