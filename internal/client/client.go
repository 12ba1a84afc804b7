// ABOUTME: Programmatic client for talking to a running agent over a byte stream.
// ABOUTME: One method per protocol operation, with typed errors for failure replies.

package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/2389/keywarden/internal/proto"
	"github.com/2389/keywarden/internal/wire"
)

// ErrFailure reports that the agent answered with the generic failure frame.
var ErrFailure = errors.New("agent returned failure")

// ErrExtensionUnsupported reports that the agent answered an extension
// request with the extension-failure frame: it does not speak the extension.
var ErrExtensionUnsupported = errors.New("extension not supported by agent")

// ErrUnexpectedResponse reports a reply whose type does not match the
// request that was sent.
var ErrUnexpectedResponse = errors.New("unexpected response from agent")

// Client drives the request/response protocol over a connected stream,
// typically a Unix socket dialed by the host. Requests are strictly
// sequential; Client is not safe for concurrent use.
type Client struct {
	conn     io.ReadWriter
	reader   *bufio.Reader
	maxFrame uint32
}

// New wraps an established connection. The caller retains ownership of the
// connection and closes it when done with the client.
func New(conn io.ReadWriter) *Client {
	return &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		maxFrame: wire.DefaultMaxFrameSize,
	}
}

// List asks the agent for its identities. An empty list is a normal answer.
func (c *Client) List() ([]proto.Identity, error) {
	resp, err := c.call(proto.RequestIdentities{})
	if err != nil {
		return nil, err
	}
	answer, ok := resp.(*proto.IdentitiesAnswer)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	return answer.Identities, nil
}

// Sign asks the agent to sign data with the key identified by keyBlob and
// returns the SSH-encoded signature blob. Flags selects signature algorithm
// variants.
func (c *Client) Sign(keyBlob, data []byte, flags uint32) ([]byte, error) {
	resp, err := c.call(&proto.SignRequest{KeyBlob: keyBlob, Data: data, Flags: flags})
	if err != nil {
		return nil, err
	}
	signResp, ok := resp.(*proto.SignResponse)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	return signResp.Signature, nil
}

// Add hands a private key to the agent.
func (c *Client) Add(key proto.PrivateKey, comment string) error {
	return c.expectSuccess(&proto.AddIdentity{Key: key, Comment: comment})
}

// AddConstrained hands a private key to the agent with usage constraints.
func (c *Client) AddConstrained(key proto.PrivateKey, comment string, constraints []proto.Constraint) error {
	return c.expectSuccess(&proto.AddIdentityConstrained{Key: key, Comment: comment, Constraints: constraints})
}

// Remove asks the agent to drop the key identified by keyBlob.
func (c *Client) Remove(keyBlob []byte) error {
	return c.expectSuccess(&proto.RemoveIdentity{KeyBlob: keyBlob})
}

// RemoveAll asks the agent to drop every key it holds.
func (c *Client) RemoveAll() error {
	return c.expectSuccess(proto.RemoveAllIdentities{})
}

// AddSmartcard registers a smartcard-held key with the agent.
func (c *Client) AddSmartcard(key proto.SmartcardKey) error {
	return c.expectSuccess(&proto.AddSmartcardKey{Key: key})
}

// AddSmartcardConstrained registers a smartcard-held key with constraints.
func (c *Client) AddSmartcardConstrained(key proto.SmartcardKey, constraints []proto.Constraint) error {
	return c.expectSuccess(&proto.AddSmartcardKeyConstrained{Key: key, Constraints: constraints})
}

// RemoveSmartcard removes a smartcard-held key.
func (c *Client) RemoveSmartcard(key proto.SmartcardKey) error {
	return c.expectSuccess(&proto.RemoveSmartcardKey{Key: key})
}

// Lock locks the agent under a passphrase.
func (c *Client) Lock(passphrase []byte) error {
	return c.expectSuccess(&proto.Lock{Passphrase: passphrase})
}

// Unlock unlocks the agent with the passphrase it was locked under.
func (c *Client) Unlock(passphrase []byte) error {
	return c.expectSuccess(&proto.Unlock{Passphrase: passphrase})
}

// Extension sends a named extension request. A plain success reply returns
// (nil, nil); an extension reply returns its opaque payload; an agent that
// does not speak the extension returns ErrExtensionUnsupported.
func (c *Client) Extension(name string, payload []byte) ([]byte, error) {
	resp, err := c.call(&proto.ExtensionRequest{Name: name, Payload: payload})
	if err != nil {
		return nil, err
	}
	switch resp := resp.(type) {
	case proto.Success:
		return nil, nil
	case *proto.ExtensionResponse:
		return resp.Payload, nil
	case proto.ExtensionFailure:
		return nil, ErrExtensionUnsupported
	default:
		return nil, ErrUnexpectedResponse
	}
}

// expectSuccess sends a mutation request whose only non-error reply is the
// success frame.
func (c *Client) expectSuccess(req proto.Request) error {
	resp, err := c.call(req)
	if err != nil {
		return err
	}
	if _, ok := resp.(proto.Success); !ok {
		return ErrUnexpectedResponse
	}
	return nil
}

// call writes one request frame and decodes the single reply frame. The
// generic failure frame surfaces as ErrFailure so callers branch on one
// sentinel instead of a response type.
func (c *Client) call(req proto.Request) (proto.Response, error) {
	if err := wire.WriteFrame(c.conn, proto.EncodeRequest(req)); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	payload, err := wire.ReadFrame(c.reader, c.maxFrame)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("agent disconnected: %w", err)
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}

	resp, err := proto.DecodeResponse(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if _, ok := resp.(proto.Failure); ok {
		return nil, ErrFailure
	}
	return resp, nil
}
