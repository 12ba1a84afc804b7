// ABOUTME: Drives a real server through the client, one method per operation.
// ABOUTME: Covers the failure sentinel, lock/unlock, and extension reply mapping.

package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/2389/keywarden/internal/backend"
	"github.com/2389/keywarden/internal/proto"
	"github.com/2389/keywarden/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startAgent runs a keystore-backed server on TCP loopback and returns a
// client connected to it.
func startAgent(t *testing.T) *Client {
	t.Helper()

	ks := backend.NewKeystore(testLogger())
	t.Cleanup(ks.Close)

	srv, err := server.New(server.Config{Backend: ks, Logger: testLogger()})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn)
}

func newEd25519Key(t *testing.T) (*proto.Ed25519PrivateKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return &proto.Ed25519PrivateKey{Public: pub, Private: priv}, sshPub.Marshal()
}

func TestClient_KeyLifecycle(t *testing.T) {
	c := startAgent(t)

	ids, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	key, blob := newEd25519Key(t)
	require.NoError(t, c.Add(key, "laptop key"))

	ids, err = c.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, blob, ids[0].KeyBlob)
	assert.Equal(t, "laptop key", ids[0].Comment)

	data := []byte("client signing payload")
	sigBlob, err := c.Sign(blob, data, 0)
	require.NoError(t, err)

	var sig ssh.Signature
	require.NoError(t, ssh.Unmarshal(sigBlob, &sig))
	pub, err := ssh.ParsePublicKey(blob)
	require.NoError(t, err)
	assert.NoError(t, pub.Verify(data, &sig))

	require.NoError(t, c.Remove(blob))
	ids, err = c.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClient_AddConstrainedAndRemoveAll(t *testing.T) {
	c := startAgent(t)

	key, _ := newEd25519Key(t)
	constraints := []proto.Constraint{proto.LifetimeConstraint{Seconds: 3600}}
	require.NoError(t, c.AddConstrained(key, "short-lived", constraints))

	ids, err := c.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, c.RemoveAll())
	ids, err = c.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClient_FailureSentinel(t *testing.T) {
	c := startAgent(t)

	// Signing with a key the agent does not hold answers with the generic
	// failure frame, which the client surfaces as ErrFailure.
	_, err := c.Sign([]byte("no such key"), []byte("data"), 0)
	assert.ErrorIs(t, err, ErrFailure)

	// The connection stays usable afterwards.
	_, err = c.List()
	assert.NoError(t, err)
}

func TestClient_LockUnlock(t *testing.T) {
	c := startAgent(t)

	key, blob := newEd25519Key(t)
	require.NoError(t, c.Add(key, "locked away"))

	require.NoError(t, c.Lock([]byte("hunter2")))

	// A locked agent reveals nothing and refuses to sign.
	ids, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = c.Sign(blob, []byte("data"), 0)
	assert.ErrorIs(t, err, ErrFailure)

	// Wrong passphrase is a failure; the right one restores access.
	assert.ErrorIs(t, c.Unlock([]byte("wrong")), ErrFailure)
	require.NoError(t, c.Unlock([]byte("hunter2")))

	ids, err = c.List()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestClient_Extension(t *testing.T) {
	c := startAgent(t)

	payload, err := c.Extension(backend.ExtQuery, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	_, err = c.Extension("nope@example.com", nil)
	assert.ErrorIs(t, err, ErrExtensionUnsupported)
}

func TestClient_SmartcardUnsupportedBackend(t *testing.T) {
	c := startAgent(t)

	// The keystore holds software keys only, so smartcard operations answer
	// with the generic failure frame.
	card := proto.SmartcardKey{ID: "token-0", PIN: []byte("1234")}
	assert.ErrorIs(t, c.AddSmartcard(card), ErrFailure)
	assert.ErrorIs(t, c.AddSmartcardConstrained(card, nil), ErrFailure)
	assert.ErrorIs(t, c.RemoveSmartcard(card), ErrFailure)
}

func TestClient_AgentDisconnected(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	require.NoError(t, serverEnd.Close())
	t.Cleanup(func() { _ = clientEnd.Close() })

	c := New(clientEnd)
	_, err := c.List()
	assert.Error(t, err)
}
