package services

import "errors"

var (
	// ErrChallengeExpired covers every way a ceremony can lose its challenge:
	// never issued, already consumed, or past its TTL. Callers cannot tell
	// these apart on purpose.
	ErrChallengeExpired = errors.New("challenge expired or already used")

	// ErrChallengeBindingMismatch means a challenge was presented from a
	// different session context than it was issued to. The challenge is
	// burned either way.
	ErrChallengeBindingMismatch = errors.New("challenge bound to a different session")

	ErrCredentialNotFound       = errors.New("credential not found")
	ErrCredentialExists         = errors.New("credential id already registered")
	ErrCounterRegression        = errors.New("signature counter regression")
	ErrNoCredentialsRegistered  = errors.New("no credentials registered")
	ErrUserHandleMismatch       = errors.New("user handle does not match credential owner")
)
