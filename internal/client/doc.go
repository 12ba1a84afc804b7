// Package client is a programmatic agent client over an established
// connection. Each method sends one request frame and decodes the single
// reply, mapping the agent's generic failure frame to ErrFailure and a
// mismatched reply type to ErrUnexpectedResponse.
//
// The client holds no connection-management logic: callers dial, pass the
// connection to New, and close it when done. Requests on one Client are
// strictly sequential.
package client
