// ABOUTME: The request side of the agent protocol as a closed tagged union.
// ABOUTME: Decoding is total; unknown message numbers become UnknownRequest.

package proto

import "github.com/2389/keywarden/internal/wire"

// Request is a decoded client message. The set of implementations is closed;
// unrecognized message numbers decode to UnknownRequest so the dispatcher can
// answer with a wire-legal failure instead of desynchronizing the stream.
type Request interface {
	requestCode() byte
}

// RequestIdentities asks for the agent's public keys.
type RequestIdentities struct{}

func (RequestIdentities) requestCode() byte { return MsgRequestIdentities }

// SignRequest asks the agent to sign Data with the key identified by KeyBlob.
// Flags selects signature algorithm variants.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

func (*SignRequest) requestCode() byte { return MsgSignRequest }

// AddIdentity adds a private key to the agent.
type AddIdentity struct {
	Key     PrivateKey
	Comment string
}

func (*AddIdentity) requestCode() byte { return MsgAddIdentity }

// AddIdentityConstrained adds a private key with usage constraints. It is a
// distinct wire message from AddIdentity, so the two are distinct variants.
type AddIdentityConstrained struct {
	Key         PrivateKey
	Comment     string
	Constraints []Constraint
}

func (*AddIdentityConstrained) requestCode() byte { return MsgAddIDConstrained }

// RemoveIdentity removes the key identified by KeyBlob.
type RemoveIdentity struct {
	KeyBlob []byte
}

func (*RemoveIdentity) requestCode() byte { return MsgRemoveIdentity }

// RemoveAllIdentities removes every key held by the agent.
type RemoveAllIdentities struct{}

func (RemoveAllIdentities) requestCode() byte { return MsgRemoveAllIdentities }

// SmartcardKey identifies a key on a hardware token by reader ID and PIN.
type SmartcardKey struct {
	ID  string
	PIN []byte
}

// AddSmartcardKey registers a smartcard-held key with the agent.
type AddSmartcardKey struct {
	Key SmartcardKey
}

func (*AddSmartcardKey) requestCode() byte { return MsgAddSmartcardKey }

// AddSmartcardKeyConstrained registers a smartcard-held key with constraints.
type AddSmartcardKeyConstrained struct {
	Key         SmartcardKey
	Constraints []Constraint
}

func (*AddSmartcardKeyConstrained) requestCode() byte { return MsgAddSmartcardKeyConstrained }

// RemoveSmartcardKey removes a smartcard-held key.
type RemoveSmartcardKey struct {
	Key SmartcardKey
}

func (*RemoveSmartcardKey) requestCode() byte { return MsgRemoveSmartcardKey }

// Lock locks the agent under a passphrase.
type Lock struct {
	Passphrase []byte
}

func (*Lock) requestCode() byte { return MsgLock }

// Unlock unlocks the agent with the passphrase it was locked under.
type Unlock struct {
	Passphrase []byte
}

func (*Unlock) requestCode() byte { return MsgUnlock }

// ExtensionRequest carries a named extension with an opaque payload. The
// core never interprets the payload.
type ExtensionRequest struct {
	Name    string
	Payload []byte
}

func (*ExtensionRequest) requestCode() byte { return MsgExtension }

// UnknownRequest preserves a message this implementation does not recognize.
type UnknownRequest struct {
	Code    byte
	Payload []byte
}

func (r *UnknownRequest) requestCode() byte { return r.Code }

// DecodeRequest decodes one framed request payload. The payload must not be
// mutated while the returned Request is in use; decoded byte fields alias it.
func DecodeRequest(payload []byte) (Request, error) {
	r := wire.NewReader(payload)
	code, err := r.ReadByte("request code")
	if err != nil {
		return nil, err
	}

	switch code {
	case MsgRequestIdentities:
		return RequestIdentities{}, r.Finish("request-identities")

	case MsgSignRequest:
		return decodeSignRequest(r)

	case MsgAddIdentity:
		key, comment, err := decodeAddIdentity(r)
		if err != nil {
			return nil, err
		}
		if err := r.Finish("add-identity"); err != nil {
			return nil, err
		}
		return &AddIdentity{Key: key, Comment: comment}, nil

	case MsgAddIDConstrained:
		key, comment, err := decodeAddIdentity(r)
		if err != nil {
			return nil, err
		}
		constraints, err := decodeConstraints(r)
		if err != nil {
			return nil, err
		}
		return &AddIdentityConstrained{Key: key, Comment: comment, Constraints: constraints}, nil

	case MsgRemoveIdentity:
		blob, err := r.ReadString("key blob")
		if err != nil {
			return nil, err
		}
		if err := r.Finish("remove-identity"); err != nil {
			return nil, err
		}
		return &RemoveIdentity{KeyBlob: blob}, nil

	case MsgRemoveAllIdentities:
		return RemoveAllIdentities{}, r.Finish("remove-all-identities")

	case MsgAddSmartcardKey:
		key, err := decodeSmartcardKey(r)
		if err != nil {
			return nil, err
		}
		if err := r.Finish("add-smartcard-key"); err != nil {
			return nil, err
		}
		return &AddSmartcardKey{Key: key}, nil

	case MsgAddSmartcardKeyConstrained:
		key, err := decodeSmartcardKey(r)
		if err != nil {
			return nil, err
		}
		constraints, err := decodeConstraints(r)
		if err != nil {
			return nil, err
		}
		return &AddSmartcardKeyConstrained{Key: key, Constraints: constraints}, nil

	case MsgRemoveSmartcardKey:
		key, err := decodeSmartcardKey(r)
		if err != nil {
			return nil, err
		}
		if err := r.Finish("remove-smartcard-key"); err != nil {
			return nil, err
		}
		return &RemoveSmartcardKey{Key: key}, nil

	case MsgLock:
		pass, err := r.ReadString("passphrase")
		if err != nil {
			return nil, err
		}
		if err := r.Finish("lock"); err != nil {
			return nil, err
		}
		return &Lock{Passphrase: pass}, nil

	case MsgUnlock:
		pass, err := r.ReadString("passphrase")
		if err != nil {
			return nil, err
		}
		if err := r.Finish("unlock"); err != nil {
			return nil, err
		}
		return &Unlock{Passphrase: pass}, nil

	case MsgExtension:
		name, err := r.ReadString("extension name")
		if err != nil {
			return nil, err
		}
		return &ExtensionRequest{Name: string(name), Payload: r.Rest()}, nil

	default:
		return &UnknownRequest{Code: code, Payload: r.Rest()}, nil
	}
}

func decodeSignRequest(r *wire.Reader) (Request, error) {
	blob, err := r.ReadString("key blob")
	if err != nil {
		return nil, err
	}
	data, err := r.ReadString("sign data")
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadUint32("sign flags")
	if err != nil {
		return nil, err
	}
	if err := r.Finish("sign-request"); err != nil {
		return nil, err
	}
	return &SignRequest{KeyBlob: blob, Data: data, Flags: flags}, nil
}

func decodeAddIdentity(r *wire.Reader) (PrivateKey, string, error) {
	key, err := decodePrivateKey(r)
	if err != nil {
		return nil, "", err
	}
	comment, err := r.ReadString("comment")
	if err != nil {
		return nil, "", err
	}
	return key, string(comment), nil
}

func decodeSmartcardKey(r *wire.Reader) (SmartcardKey, error) {
	id, err := r.ReadString("reader id")
	if err != nil {
		return SmartcardKey{}, err
	}
	pin, err := r.ReadString("pin")
	if err != nil {
		return SmartcardKey{}, err
	}
	return SmartcardKey{ID: string(id), PIN: pin}, nil
}

// EncodeRequest encodes a request into a frame payload. It is the exact
// inverse of DecodeRequest for every variant.
func EncodeRequest(req Request) []byte {
	var w wire.Writer
	switch req := req.(type) {
	case RequestIdentities:
		w.WriteByte(MsgRequestIdentities)
	case *SignRequest:
		w.WriteByte(MsgSignRequest)
		w.WriteString(req.KeyBlob)
		w.WriteString(req.Data)
		w.WriteUint32(req.Flags)
	case *AddIdentity:
		w.WriteByte(MsgAddIdentity)
		encodePrivateKey(&w, req.Key)
		w.WriteString([]byte(req.Comment))
	case *AddIdentityConstrained:
		w.WriteByte(MsgAddIDConstrained)
		encodePrivateKey(&w, req.Key)
		w.WriteString([]byte(req.Comment))
		encodeConstraints(&w, req.Constraints)
	case *RemoveIdentity:
		w.WriteByte(MsgRemoveIdentity)
		w.WriteString(req.KeyBlob)
	case RemoveAllIdentities:
		w.WriteByte(MsgRemoveAllIdentities)
	case *AddSmartcardKey:
		w.WriteByte(MsgAddSmartcardKey)
		encodeSmartcardKey(&w, req.Key)
	case *AddSmartcardKeyConstrained:
		w.WriteByte(MsgAddSmartcardKeyConstrained)
		encodeSmartcardKey(&w, req.Key)
		encodeConstraints(&w, req.Constraints)
	case *RemoveSmartcardKey:
		w.WriteByte(MsgRemoveSmartcardKey)
		encodeSmartcardKey(&w, req.Key)
	case *Lock:
		w.WriteByte(MsgLock)
		w.WriteString(req.Passphrase)
	case *Unlock:
		w.WriteByte(MsgUnlock)
		w.WriteString(req.Passphrase)
	case *ExtensionRequest:
		w.WriteByte(MsgExtension)
		w.WriteString([]byte(req.Name))
		w.Raw(req.Payload)
	case *UnknownRequest:
		w.WriteByte(req.Code)
		w.Raw(req.Payload)
	}
	return w.Bytes()
}

func encodeSmartcardKey(w *wire.Writer, key SmartcardKey) {
	w.WriteString([]byte(key.ID))
	w.WriteString(key.PIN)
}
