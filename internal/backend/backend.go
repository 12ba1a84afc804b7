// ABOUTME: The capability contract a concrete agent backend satisfies.
// ABOUTME: A small required surface plus optional interfaces discovered by type assertion.

package backend

import (
	"context"
	"errors"

	"github.com/2389/keywarden/internal/proto"
)

// ErrUnsupported reports that a backend does not implement a capability at
// all, as opposed to implementing it and failing at runtime. Both map to a
// wire failure, but the distinction matters for logging and for extension
// requests, which answer with a dedicated extension-failure frame.
var ErrUnsupported = errors.New("operation not supported by backend")

// ErrLocked reports that the agent is locked and refuses the operation.
var ErrLocked = errors.New("agent is locked")

// ErrKeyNotFound reports that the requested key is not held by the backend.
var ErrKeyNotFound = errors.New("key not found")

// Backend is the required capability surface: identity enumeration and
// signing. Optional capabilities are separate interfaces below; the
// dispatcher discovers them by type assertion, so an integrator implements
// only what its backend supports.
//
// All methods may block (hardware tokens, remote signers, interactive
// confirmation) and honor ctx cancellation where they can. Unless the
// backend also implements ConcurrencySafe, the connection supervisor
// serializes every call.
type Backend interface {
	// List returns the backend's identities in a stable order. An empty
	// result is not an error.
	List(ctx context.Context) ([]proto.Identity, error)

	// Sign signs req.Data with the key identified by req.KeyBlob and
	// returns the SSH-encoded signature blob. Flag validation against the
	// key's algorithm family happens before this call.
	Sign(ctx context.Context, req *proto.SignRequest) ([]byte, error)
}

// KeyManager adds and removes keys.
type KeyManager interface {
	Add(ctx context.Context, key proto.PrivateKey, comment string, constraints []proto.Constraint) error
	Remove(ctx context.Context, keyBlob []byte) error
	RemoveAll(ctx context.Context) error
}

// SmartcardManager registers and removes keys held on hardware tokens.
type SmartcardManager interface {
	AddSmartcard(ctx context.Context, key proto.SmartcardKey, constraints []proto.Constraint) error
	RemoveSmartcard(ctx context.Context, key proto.SmartcardKey) error
}

// Locker locks and unlocks the backend under a passphrase.
type Locker interface {
	Lock(ctx context.Context, passphrase []byte) error
	Unlock(ctx context.Context, passphrase []byte) error
}

// ExtensionHandler processes named extension requests. Returning
// ErrUnsupported yields an extension-failure frame; any other error yields
// a generic failure. The returned payload is transported opaquely.
type ExtensionHandler interface {
	Extension(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// ConcurrencySafe is implemented by backends that are safe for concurrent
// invocation. The supervisor then skips its serializing mutex.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}
