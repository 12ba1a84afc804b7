// ABOUTME: The response side of the agent protocol as a closed tagged union.
// ABOUTME: Identities, signatures, success/failure, and extension responses.

package proto

import "github.com/2389/keywarden/internal/wire"

// Response is an agent reply ready for encoding onto the wire.
type Response interface {
	responseCode() byte
}

// Failure is the generic protocol-level failure reply. It carries no
// detail; internal error context never crosses the wire.
type Failure struct{}

func (Failure) responseCode() byte { return MsgFailure }

// Success acknowledges a mutation request.
type Success struct{}

func (Success) responseCode() byte { return MsgSuccess }

// Identity pairs a public key blob with its human-readable comment.
type Identity struct {
	KeyBlob []byte
	Comment string
}

// IdentitiesAnswer lists the agent's keys in the order the backend
// produced them. An empty list is a valid answer, not a failure.
type IdentitiesAnswer struct {
	Identities []Identity
}

func (*IdentitiesAnswer) responseCode() byte { return MsgIdentitiesAnswer }

// SignResponse carries the signature blob: algorithm name and raw
// signature, already in SSH signature encoding.
type SignResponse struct {
	Signature []byte
}

func (*SignResponse) responseCode() byte { return MsgSignResponse }

// ExtensionFailure tells the client this agent does not speak the requested
// extension. Distinct on the wire from the generic Failure.
type ExtensionFailure struct{}

func (ExtensionFailure) responseCode() byte { return MsgExtensionFailure }

// ExtensionResponse carries an extension's opaque reply payload.
type ExtensionResponse struct {
	Payload []byte
}

func (*ExtensionResponse) responseCode() byte { return MsgExtensionResponse }

// EncodeResponse encodes a response into a frame payload.
func EncodeResponse(resp Response) []byte {
	var w wire.Writer
	w.WriteByte(resp.responseCode())
	switch resp := resp.(type) {
	case *IdentitiesAnswer:
		w.WriteUint32(uint32(len(resp.Identities)))
		for _, id := range resp.Identities {
			w.WriteString(id.KeyBlob)
			w.WriteString([]byte(id.Comment))
		}
	case *SignResponse:
		w.WriteString(resp.Signature)
	case *ExtensionResponse:
		w.Raw(resp.Payload)
	case Failure, Success, ExtensionFailure:
		// Code only.
	}
	return w.Bytes()
}

// DecodeResponse decodes one framed response payload. Used by clients and
// by tests exercising the agent end to end. Unlike requests, an unknown
// response number is an error: a client cannot answer it, only fail.
func DecodeResponse(payload []byte) (Response, error) {
	r := wire.NewReader(payload)
	code, err := r.ReadByte("response code")
	if err != nil {
		return nil, err
	}

	switch code {
	case MsgFailure:
		return Failure{}, r.Finish("failure")

	case MsgSuccess:
		return Success{}, r.Finish("success")

	case MsgIdentitiesAnswer:
		count, err := r.ReadUint32("identity count")
		if err != nil {
			return nil, err
		}
		answer := &IdentitiesAnswer{}
		for i := uint32(0); i < count; i++ {
			blob, err := r.ReadString("key blob")
			if err != nil {
				return nil, err
			}
			comment, err := r.ReadString("comment")
			if err != nil {
				return nil, err
			}
			answer.Identities = append(answer.Identities, Identity{KeyBlob: blob, Comment: string(comment)})
		}
		if err := r.Finish("identities-answer"); err != nil {
			return nil, err
		}
		return answer, nil

	case MsgSignResponse:
		sig, err := r.ReadString("signature")
		if err != nil {
			return nil, err
		}
		if err := r.Finish("sign-response"); err != nil {
			return nil, err
		}
		return &SignResponse{Signature: sig}, nil

	case MsgExtensionFailure:
		return ExtensionFailure{}, r.Finish("extension-failure")

	case MsgExtensionResponse:
		return &ExtensionResponse{Payload: r.Rest()}, nil

	default:
		return nil, &wire.DecodeError{Kind: wire.InvalidDiscriminant, Field: "response code"}
	}
}
