// Package server supervises agent connections.
//
// # Model
//
// Serve accepts bidirectional byte streams from any net.Listener and runs
// one goroutine per connection. Within a connection the loop is strictly
// sequential — read frame, decode, dispatch, write response — matching the
// protocol's synchronous request/response nature. Blocking backend calls
// (hardware tokens, remote signers) stall only their own connection.
//
// A single shared backend is the common case, so backend calls are wrapped
// in a mutex by default; backends advertising ConcurrencySafe opt out.
//
// # Failure handling
//
// Decode failures on a synchronized stream follow the configured
// DecodePolicy (reply with a failure frame and continue, or close). A frame
// length above the maximum always closes, because the stream position is
// lost. Transport errors close the connection; nothing a single connection
// does can take down the supervisor or its peers.
package server
