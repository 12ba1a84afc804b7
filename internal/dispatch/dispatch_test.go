// ABOUTME: Tests for request dispatch against backends with varying capability sets.
// ABOUTME: Covers ordering, capability fallback, flag validation, and extension distinction.

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/keywarden/internal/backend"
	"github.com/2389/keywarden/internal/proto"
	"github.com/2389/keywarden/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listSignBackend implements only the required surface.
type listSignBackend struct {
	identities []proto.Identity
	signature  []byte
	signErr    error

	lastSign *proto.SignRequest
}

func (b *listSignBackend) List(ctx context.Context) ([]proto.Identity, error) {
	return b.identities, nil
}

func (b *listSignBackend) Sign(ctx context.Context, req *proto.SignRequest) ([]byte, error) {
	b.lastSign = req
	return b.signature, b.signErr
}

// extensionBackend adds an extension handler on top of the required surface.
type extensionBackend struct {
	listSignBackend
	extPayload []byte
	extErr     error
}

func (b *extensionBackend) Extension(ctx context.Context, name string, payload []byte) ([]byte, error) {
	return b.extPayload, b.extErr
}

// rsaBlob builds a key blob whose leading algorithm string is ssh-rsa.
func rsaBlob() []byte {
	var w wire.Writer
	w.WriteString([]byte("ssh-rsa"))
	w.WriteString([]byte("fake material"))
	return w.Bytes()
}

func ed25519Blob() []byte {
	var w wire.Writer
	w.WriteString([]byte("ssh-ed25519"))
	w.WriteString([]byte("fake material"))
	return w.Bytes()
}

func TestHandle_RequestIdentities_PreservesOrderAndPairing(t *testing.T) {
	b := &listSignBackend{identities: []proto.Identity{
		{KeyBlob: []byte("keyA"), Comment: "a"},
		{KeyBlob: []byte("keyB"), Comment: "b"},
	}}
	d := New(testLogger())

	resp := d.Handle(context.Background(), proto.RequestIdentities{}, b)

	answer, ok := resp.(*proto.IdentitiesAnswer)
	require.True(t, ok)
	require.Len(t, answer.Identities, 2)
	assert.Equal(t, []byte("keyA"), answer.Identities[0].KeyBlob)
	assert.Equal(t, "a", answer.Identities[0].Comment)
	assert.Equal(t, []byte("keyB"), answer.Identities[1].KeyBlob)
	assert.Equal(t, "b", answer.Identities[1].Comment)
}

func TestHandle_RequestIdentities_EmptyBackend(t *testing.T) {
	d := New(testLogger())

	resp := d.Handle(context.Background(), proto.RequestIdentities{}, &listSignBackend{})

	// An agent with no keys answers with an empty list, never a failure.
	answer, ok := resp.(*proto.IdentitiesAnswer)
	require.True(t, ok)
	assert.Empty(t, answer.Identities)
}

func TestHandle_Sign_Success(t *testing.T) {
	b := &listSignBackend{signature: []byte("sig-bytes")}
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.SignRequest{KeyBlob: ed25519Blob(), Data: []byte("data")}, b)

	signResp, ok := resp.(*proto.SignResponse)
	require.True(t, ok)
	assert.Equal(t, []byte("sig-bytes"), signResp.Signature)
}

func TestHandle_Sign_BackendError(t *testing.T) {
	b := &listSignBackend{signErr: errors.New("token unplugged")}
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.SignRequest{KeyBlob: ed25519Blob(), Data: []byte("data")}, b)

	assert.Equal(t, proto.Failure{}, resp)
}

func TestHandle_Sign_FlagValidation(t *testing.T) {
	tests := []struct {
		name        string
		blob        []byte
		flags       uint32
		wantFailure bool
	}{
		{"no flags on ed25519", ed25519Blob(), 0, false},
		{"sha256 on rsa", rsaBlob(), proto.SignFlagRSASHA256, false},
		{"sha512 on rsa", rsaBlob(), proto.SignFlagRSASHA512, false},
		{"sha256 on ed25519", ed25519Blob(), proto.SignFlagRSASHA256, true},
		{"unknown flag bits", rsaBlob(), 0x80, true},
		{"legacy protocol-1 flag", rsaBlob(), proto.SignFlagOldSignature, true},
		{"rsa flags on malformed blob", []byte{0xff}, proto.SignFlagRSASHA512, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &listSignBackend{signature: []byte("sig")}
			d := New(testLogger())

			resp := d.Handle(context.Background(), &proto.SignRequest{KeyBlob: tt.blob, Data: []byte("d"), Flags: tt.flags}, b)

			if tt.wantFailure {
				assert.Equal(t, proto.Failure{}, resp)
				assert.Nil(t, b.lastSign, "backend must not be invoked on validation failure")
			} else {
				assert.IsType(t, &proto.SignResponse{}, resp)
			}
		})
	}
}

func TestHandle_UnimplementedCapabilities(t *testing.T) {
	// The backend implements only List and Sign; every optional request
	// must answer with a generic failure, not a crash.
	requests := []proto.Request{
		&proto.AddIdentity{Key: &proto.Ed25519PrivateKey{}, Comment: "c"},
		&proto.AddIdentityConstrained{Key: &proto.Ed25519PrivateKey{}, Comment: "c"},
		&proto.RemoveIdentity{KeyBlob: []byte("k")},
		proto.RemoveAllIdentities{},
		&proto.AddSmartcardKey{Key: proto.SmartcardKey{ID: "r"}},
		&proto.AddSmartcardKeyConstrained{Key: proto.SmartcardKey{ID: "r"}},
		&proto.RemoveSmartcardKey{Key: proto.SmartcardKey{ID: "r"}},
		&proto.Lock{Passphrase: []byte("p")},
		&proto.Unlock{Passphrase: []byte("p")},
	}

	d := New(testLogger())
	for _, req := range requests {
		resp := d.Handle(context.Background(), req, &listSignBackend{})
		assert.Equal(t, proto.Failure{}, resp)
	}
}

func TestHandle_Extension_NoHandler(t *testing.T) {
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.ExtensionRequest{Name: "foo"}, &listSignBackend{})

	assert.Equal(t, proto.ExtensionFailure{}, resp)
}

func TestHandle_Extension_Unsupported(t *testing.T) {
	b := &extensionBackend{extErr: backend.ErrUnsupported}
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.ExtensionRequest{Name: "foo", Payload: []byte("p")}, b)

	// Distinguishable on the wire from a generic failure.
	assert.Equal(t, proto.ExtensionFailure{}, resp)
	assert.NotEqual(t, proto.EncodeResponse(proto.Failure{}), proto.EncodeResponse(resp))
}

func TestHandle_Extension_RuntimeError(t *testing.T) {
	b := &extensionBackend{extErr: errors.New("backend exploded")}
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.ExtensionRequest{Name: "foo"}, b)

	assert.Equal(t, proto.Failure{}, resp)
}

func TestHandle_Extension_Success(t *testing.T) {
	b := &extensionBackend{extPayload: []byte("pong")}
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.ExtensionRequest{Name: "ping", Payload: []byte("ping")}, b)

	extResp, ok := resp.(*proto.ExtensionResponse)
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), extResp.Payload)
}

func TestHandle_UnknownRequest(t *testing.T) {
	d := New(testLogger())

	resp := d.Handle(context.Background(), &proto.UnknownRequest{Code: 99, Payload: []byte{1}}, &listSignBackend{})

	assert.Equal(t, proto.Failure{}, resp)
}

func TestHandle_LogsCarryNoRequestPayloads(t *testing.T) {
	// Every logging path in the dispatcher names the operation or the
	// request's dynamic type, never its contents: decoded requests can
	// carry private key material, passphrases, and PINs.
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := New(logger)
	ctx := context.Background()

	const marker = "MARKER-SECRET-BYTES"
	b := &listSignBackend{signErr: errors.New("backend down")}
	requests := []proto.Request{
		&proto.SignRequest{KeyBlob: ed25519Blob(), Data: []byte(marker)},
		&proto.SignRequest{KeyBlob: []byte(marker), Data: []byte("d"), Flags: proto.SignFlagRSASHA256},
		&proto.AddIdentity{Key: &proto.Ed25519PrivateKey{Private: []byte(marker)}, Comment: marker},
		&proto.Lock{Passphrase: []byte(marker)},
		&proto.Unlock{Passphrase: []byte(marker)},
		&proto.AddSmartcardKey{Key: proto.SmartcardKey{ID: "r", PIN: []byte(marker)}},
		&proto.UnknownRequest{Code: 99, Payload: []byte(marker)},
	}
	for _, req := range requests {
		d.Handle(ctx, req, b)
	}

	assert.NotEmpty(t, logBuf.String())
	assert.NotContains(t, logBuf.String(), marker)
}

func TestHandle_FullBackend_Mutations(t *testing.T) {
	ks := backend.NewKeystore(testLogger())
	defer ks.Close()
	d := New(testLogger())
	ctx := context.Background()

	// Lock and unlock through the dispatcher against a real backend.
	resp := d.Handle(ctx, &proto.Lock{Passphrase: []byte("pw")}, ks)
	assert.Equal(t, proto.Success{}, resp)

	resp = d.Handle(ctx, &proto.Unlock{Passphrase: []byte("wrong")}, ks)
	assert.Equal(t, proto.Failure{}, resp)

	resp = d.Handle(ctx, &proto.Unlock{Passphrase: []byte("pw")}, ks)
	assert.Equal(t, proto.Success{}, resp)

	resp = d.Handle(ctx, proto.RemoveAllIdentities{}, ks)
	assert.Equal(t, proto.Success{}, resp)
}
