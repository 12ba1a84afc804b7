// ABOUTME: Maps decoded agent requests onto backend capabilities and back to responses.
// ABOUTME: Validates sign flags, handles unsupported capabilities, keeps error detail off the wire.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/keywarden/internal/backend"
	"github.com/2389/keywarden/internal/proto"
	"github.com/2389/keywarden/internal/wire"
)

// knownSignFlags are the flag bits this agent understands. Requests with
// any other bit set fail before reaching the backend.
const knownSignFlags = proto.SignFlagRSASHA256 | proto.SignFlagRSASHA512

// Dispatcher turns one decoded request into one response against a backend.
// It holds no protocol state of its own; lock/unlock state lives in the
// backend. Backend failures are logged here and mapped to bare wire
// failures, so no internal detail reaches a client.
type Dispatcher struct {
	logger *slog.Logger
}

// New creates a Dispatcher logging through logger.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Handle invokes the capability matching req on b and returns the response
// frame to send. It never returns an error: every failure path has a
// wire-legal reply.
func (d *Dispatcher) Handle(ctx context.Context, req proto.Request, b backend.Backend) proto.Response {
	switch req := req.(type) {
	case proto.RequestIdentities:
		return d.listIdentities(ctx, b)

	case *proto.SignRequest:
		return d.sign(ctx, req, b)

	case *proto.AddIdentity:
		return d.addIdentity(ctx, b, req.Key, req.Comment, nil)

	case *proto.AddIdentityConstrained:
		return d.addIdentity(ctx, b, req.Key, req.Comment, req.Constraints)

	case *proto.RemoveIdentity:
		km, ok := b.(backend.KeyManager)
		if !ok {
			return d.unsupported("remove-identity")
		}
		return d.result("remove-identity", km.Remove(ctx, req.KeyBlob))

	case proto.RemoveAllIdentities:
		km, ok := b.(backend.KeyManager)
		if !ok {
			return d.unsupported("remove-all-identities")
		}
		return d.result("remove-all-identities", km.RemoveAll(ctx))

	case *proto.AddSmartcardKey:
		return d.addSmartcard(ctx, b, req.Key, nil)

	case *proto.AddSmartcardKeyConstrained:
		return d.addSmartcard(ctx, b, req.Key, req.Constraints)

	case *proto.RemoveSmartcardKey:
		sm, ok := b.(backend.SmartcardManager)
		if !ok {
			return d.unsupported("remove-smartcard-key")
		}
		return d.result("remove-smartcard-key", sm.RemoveSmartcard(ctx, req.Key))

	case *proto.Lock:
		locker, ok := b.(backend.Locker)
		if !ok {
			return d.unsupported("lock")
		}
		return d.result("lock", locker.Lock(ctx, req.Passphrase))

	case *proto.Unlock:
		locker, ok := b.(backend.Locker)
		if !ok {
			return d.unsupported("unlock")
		}
		return d.result("unlock", locker.Unlock(ctx, req.Passphrase))

	case *proto.ExtensionRequest:
		return d.extension(ctx, req, b)

	case *proto.UnknownRequest:
		d.logger.Warn("unsupported message number", "code", req.Code)
		return proto.Failure{}

	default:
		// Log only the dynamic type: request values can carry key material.
		d.logger.Error("request variant with no dispatch arm", "request_type", fmt.Sprintf("%T", req))
		return proto.Failure{}
	}
}

// listIdentities has no failure path on the wire: a backend error still
// yields a failure frame, but an empty key list is a normal answer.
func (d *Dispatcher) listIdentities(ctx context.Context, b backend.Backend) proto.Response {
	ids, err := b.List(ctx)
	if err != nil {
		d.logger.Error("listing identities failed", "error", err)
		return proto.Failure{}
	}
	return &proto.IdentitiesAnswer{Identities: ids}
}

func (d *Dispatcher) sign(ctx context.Context, req *proto.SignRequest, b backend.Backend) proto.Response {
	if err := validateSignFlags(req); err != nil {
		d.logger.Warn("rejecting sign request", "error", err)
		return proto.Failure{}
	}

	sig, err := b.Sign(ctx, req)
	if err != nil {
		d.logBackendError("sign", err)
		return proto.Failure{}
	}
	return &proto.SignResponse{Signature: sig}
}

func (d *Dispatcher) addIdentity(ctx context.Context, b backend.Backend, key proto.PrivateKey, comment string, constraints []proto.Constraint) proto.Response {
	km, ok := b.(backend.KeyManager)
	if !ok {
		return d.unsupported("add-identity")
	}
	return d.result("add-identity", km.Add(ctx, key, comment, constraints))
}

func (d *Dispatcher) addSmartcard(ctx context.Context, b backend.Backend, key proto.SmartcardKey, constraints []proto.Constraint) proto.Response {
	sm, ok := b.(backend.SmartcardManager)
	if !ok {
		return d.unsupported("add-smartcard-key")
	}
	return d.result("add-smartcard-key", sm.AddSmartcard(ctx, key, constraints))
}

// extension distinguishes "agent does not speak this extension" from a
// runtime failure: the former answers with the dedicated extension-failure
// frame, the latter with the generic failure.
func (d *Dispatcher) extension(ctx context.Context, req *proto.ExtensionRequest, b backend.Backend) proto.Response {
	handler, ok := b.(backend.ExtensionHandler)
	if !ok {
		return proto.ExtensionFailure{}
	}

	payload, err := handler.Extension(ctx, req.Name, req.Payload)
	if err != nil {
		if errors.Is(err, backend.ErrUnsupported) {
			d.logger.Debug("extension not supported", "extension", req.Name)
			return proto.ExtensionFailure{}
		}
		d.logger.Error("extension failed", "extension", req.Name, "error", err)
		return proto.Failure{}
	}
	return &proto.ExtensionResponse{Payload: payload}
}

// result maps a capability call's outcome to success or failure.
func (d *Dispatcher) result(op string, err error) proto.Response {
	if err != nil {
		d.logBackendError(op, err)
		return proto.Failure{}
	}
	return proto.Success{}
}

// unsupported answers for a capability the backend does not implement.
// The wire reply is the same generic failure as a runtime error, but the
// log keeps the distinction.
func (d *Dispatcher) unsupported(op string) proto.Response {
	d.logger.Debug("capability not implemented by backend", "op", op)
	return proto.Failure{}
}

// logBackendError separates "backend lacks this" from "backend failed" for
// observability; the wire response is identical.
func (d *Dispatcher) logBackendError(op string, err error) {
	if errors.Is(err, backend.ErrUnsupported) {
		d.logger.Debug("capability not supported", "op", op, "error", err)
		return
	}
	d.logger.Error("backend operation failed", "op", op, "error", err)
}

// validateSignFlags rejects unknown flag bits and RSA-specific flags on
// non-RSA keys before the backend sees the request.
func validateSignFlags(req *proto.SignRequest) error {
	if req.Flags&^knownSignFlags != 0 {
		return errors.New("unknown signature flag bits")
	}
	if req.Flags&(proto.SignFlagRSASHA256|proto.SignFlagRSASHA512) != 0 {
		algo, err := keyBlobAlgorithm(req.KeyBlob)
		if err != nil {
			return err
		}
		if !isRSAAlgorithm(algo) {
			return errors.New("RSA-SHA2 flags on a non-RSA key")
		}
	}
	return nil
}

// keyBlobAlgorithm extracts the leading algorithm name from a public key blob.
func keyBlobAlgorithm(blob []byte) (string, error) {
	r := wire.NewReader(blob)
	algo, err := r.ReadString("key blob algorithm")
	if err != nil {
		return "", errors.New("malformed key blob")
	}
	return string(algo), nil
}

// isRSAAlgorithm matches the RSA family, including certificate forms.
func isRSAAlgorithm(algo string) bool {
	switch algo {
	case "ssh-rsa", "rsa-sha2-256", "rsa-sha2-512",
		"ssh-rsa-cert-v01@openssh.com",
		"rsa-sha2-256-cert-v01@openssh.com",
		"rsa-sha2-512-cert-v01@openssh.com":
		return true
	default:
		return false
	}
}
