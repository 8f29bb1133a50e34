package webauthn

import "errors"

var (
	ErrMalformedClientData        = errors.New("malformed client data")
	ErrMalformedAuthenticatorData = errors.New("malformed authenticator data")
	ErrMalformedAttestation       = errors.New("malformed attestation object")
	ErrChallengeMismatch          = errors.New("client data challenge mismatch")
	ErrOriginMismatch             = errors.New("client data origin mismatch")
	ErrRPIDMismatch               = errors.New("relying party id mismatch")
	ErrSignatureInvalid           = errors.New("assertion signature invalid")
	ErrUserPresenceRequired       = errors.New("user presence flag not set")
	ErrUserVerificationRequired   = errors.New("user verification flag not set")
	ErrUnsupportedAlgorithm       = errors.New("unsupported signing algorithm")
	ErrUnsupportedKeyType         = errors.New("unsupported COSE key type")
	ErrNoAttestedCredential       = errors.New("attested credential data missing")
)
