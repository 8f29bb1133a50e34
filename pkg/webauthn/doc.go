// Package webauthn implements server-side verification of WebAuthn
// registration (attestation) and authentication (assertion) ceremonies.
//
// Attestation statements are accepted without trust-chain validation: the
// package extracts the attested credential but treats every attestation as
// "none"/self-attested. This is reduced assurance compared to full packed or
// FIDO metadata verification; deployments that need to prove which
// authenticator model produced a credential must layer that on top.
//
// All binary fields exchanged with browsers are raw (unpadded) base64url.
package webauthn
