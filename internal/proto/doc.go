// Package proto models every SSH agent protocol message as a closed tagged
// union per direction, with explicit unknown and extension fallthrough
// variants.
//
// # Requests and responses
//
// Request covers the client-to-agent messages (request-identities,
// sign-request, the add/remove family, lock/unlock, smartcard keys, and
// named extensions). Response covers the agent's replies (identities-answer,
// sign-response, success, failure, and the extension replies).
//
// DecodeRequest is total: a recognized message number decodes into its typed
// variant or fails with a wire.DecodeError, while an unrecognized number
// decodes into UnknownRequest so the caller can answer with a wire-legal
// failure. Encoding is the exact inverse of decoding: for any well-formed
// payload b, EncodeRequest(DecodeRequest(b)) reproduces b byte for byte.
//
// # Ownership
//
// Decoded byte fields alias the frame payload they were decoded from and are
// valid for one request/response cycle. Encoding always copies.
package proto
