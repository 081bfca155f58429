// Package security provides the cryptographic primitives the control plane
// needs outside of transport: AES-256-GCM encryption for staged instance
// secrets, gateway-reapply token generation and hashing, per-tenant HMAC
// container secrets, and log-line redaction for both.
//
// Host authentication for the worker channel itself lives in pkg/transport
// (SSH host keys), not here — there is no mutual-TLS layer in this system.
package security
