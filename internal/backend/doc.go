// Package backend defines the capability contract between the agent core
// and a concrete key store or signer.
//
// # Capability model
//
// Backend is the required surface: List and Sign. Everything else —
// KeyManager, SmartcardManager, Locker, ExtensionHandler — is an optional
// interface the dispatcher discovers by type assertion. A backend that does
// not implement a capability yields a wire failure for the corresponding
// request, never a dropped connection.
//
// ErrUnsupported marks a capability the backend lacks; any other error is a
// runtime failure of an implemented capability. The wire carries the same
// generic failure either way (except for extensions), but logs keep the
// distinction.
//
// # Concurrency
//
// Backends are invoked serially by default. Implementing ConcurrencySafe
// lets a backend that guards its own state take concurrent calls.
//
// # Keystore
//
// Keystore is the in-memory reference implementation: it supports every
// optional capability, lifetime constraints with background expiry,
// lock/unlock with a passphrase digest, and the query extension. It never
// persists key material.
package backend
