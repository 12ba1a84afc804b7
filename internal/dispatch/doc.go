// Package dispatch is the protocol state machine: it turns one decoded
// request into one response by invoking the matching backend capability,
// mapping every failure to a wire-legal reply. Unimplemented capabilities
// and unknown message numbers answer with the generic failure frame;
// unsupported extensions answer with the distinct extension-failure frame.
// No backend error detail is ever placed on the wire.
package dispatch
