// Package session owns the transport settings shared by both connection roles.
//
// Ownership boundary:
// - timeouts, keepalive and reconnect intervals
// - charset selection for packet strings
// - TLS validation and tls.Config construction
// - optional reconnect backoff helper for connection callbacks
package session
