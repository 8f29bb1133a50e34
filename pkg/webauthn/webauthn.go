package webauthn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	ClientDataTypeCreate = "webauthn.create"
	ClientDataTypeGet    = "webauthn.get"
)

// RelyingParty identifies the server a ceremony is verified against. ID is
// the effective domain (e.g. "login.example.com"), Origin the full base URL
// the browser reports (e.g. "https://login.example.com:8443").
type RelyingParty struct {
	ID     string
	Name   string
	Origin string
}

// Policy controls which authenticator-data flags a ceremony must carry.
type Policy struct {
	RequireUserPresence     bool
	RequireUserVerification bool
}

// Registration holds the credential extracted from a verified attestation.
type Registration struct {
	CredentialID []byte
	PublicKey    []byte // raw COSE key, stored verbatim
	SignCount    uint32
	AAGUID       string
	Flags        Flags
}

// Assertion holds the authenticator output of a verified authentication.
type Assertion struct {
	SignCount uint32
	Flags     Flags
}

// Flags is the authenticator-data flag byte.
type Flags byte

func (f Flags) UserPresent() bool            { return byte(f)&(1<<0) != 0 }
func (f Flags) UserVerified() bool           { return byte(f)&(1<<2) != 0 }
func (f Flags) BackupEligible() bool         { return byte(f)&(1<<3) != 0 }
func (f Flags) BackedUp() bool               { return byte(f)&(1<<4) != 0 }
func (f Flags) AttestedCredentialData() bool { return byte(f)&(1<<6) != 0 }
func (f Flags) HasExtensions() bool          { return byte(f)&(1<<7) != 0 }

type clientData struct {
	Type        string              `json:"type"`
	Challenge   clientDataChallenge `json:"challenge"`
	Origin      string              `json:"origin"`
	CrossOrigin bool                `json:"crossOrigin"`
}

// clientDataChallenge decodes the raw base64url challenge string inside
// clientDataJSON.
type clientDataChallenge []byte

func (c *clientDataChallenge) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("challenge is not a string: %w", err)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*c = clientDataChallenge(decoded)
	return nil
}

func (c clientDataChallenge) equal(b []byte) bool {
	return subtle.ConstantTimeCompare([]byte(c), b) == 1
}

// verifyClientData runs the checks shared by both ceremonies: structure,
// ceremony type, exact challenge bytes, and origin.
func (rp *RelyingParty) verifyClientData(clientDataJSON, challenge []byte, wantType string) error {
	var data clientData
	if err := json.Unmarshal(clientDataJSON, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedClientData, err)
	}
	if data.Type != wantType {
		return fmt.Errorf("%w: type %q, want %q", ErrMalformedClientData, data.Type, wantType)
	}
	if !data.Challenge.equal(challenge) {
		return ErrChallengeMismatch
	}
	if data.Origin != rp.Origin {
		return fmt.Errorf("%w: got %q, want %q", ErrOriginMismatch, data.Origin, rp.Origin)
	}
	return rp.verifyOriginScope(data.Origin)
}

// verifyOriginScope enforces that the RP ID equals, or is a registrable
// parent of, the origin host. A mismatch means the resolver and the serving
// domain disagree and the ceremony can never be valid.
func (rp *RelyingParty) verifyOriginScope(origin string) error {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("%w: unparsable origin %q", ErrOriginMismatch, origin)
	}
	host := strings.ToLower(parsed.Hostname())
	if host != rp.ID && !strings.HasSuffix(host, "."+rp.ID) {
		return fmt.Errorf("%w: rp id %q does not cover origin host %q", ErrRPIDMismatch, rp.ID, host)
	}
	return nil
}

func (p Policy) checkFlags(flags Flags) error {
	if p.RequireUserPresence && !flags.UserPresent() {
		return ErrUserPresenceRequired
	}
	if p.RequireUserVerification && !flags.UserVerified() {
		return ErrUserVerificationRequired
	}
	return nil
}

type attestationObject struct {
	Format   string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

// authenticatorData is the parsed fixed-layout authenticator data buffer.
type authenticatorData struct {
	rpIDHash [32]byte
	flags    Flags
	counter  uint32

	// attested credential data, present only when flags.AttestedCredentialData()
	aaguid       [16]byte
	credentialID []byte
	publicKey    []byte // raw COSE key
}

func parseAuthenticatorData(b []byte) (*authenticatorData, error) {
	if len(b) < 37 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAuthenticatorData, len(b))
	}
	var ad authenticatorData
	copy(ad.rpIDHash[:], b[:32])
	ad.flags = Flags(b[32])
	ad.counter = binary.BigEndian.Uint32(b[33:37])

	if !ad.flags.AttestedCredentialData() {
		return &ad, nil
	}

	rest := b[37:]
	if len(rest) < 18 {
		return nil, fmt.Errorf("%w: truncated attested credential data", ErrMalformedAuthenticatorData)
	}
	copy(ad.aaguid[:], rest[:16])
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, fmt.Errorf("%w: credential id truncated", ErrMalformedAuthenticatorData)
	}
	ad.credentialID = rest[:idLen]
	rest = rest[idLen:]

	// The COSE key is a single CBOR item; anything after it is extension data.
	var rawKey cbor.RawMessage
	if _, err := cbor.UnmarshalFirst(rest, &rawKey); err != nil {
		return nil, fmt.Errorf("%w: credential public key: %v", ErrMalformedAuthenticatorData, err)
	}
	ad.publicKey = []byte(rawKey)
	return &ad, nil
}

func (ad *authenticatorData) verifyRPIDHash(rpID string) error {
	want := sha256.Sum256([]byte(rpID))
	if subtle.ConstantTimeCompare(want[:], ad.rpIDHash[:]) != 1 {
		return ErrRPIDMismatch
	}
	return nil
}

// VerifyAttestation validates a registration ceremony response and extracts
// the new credential. challenge is the server-issued value bound to this
// ceremony. No attestation statement trust chain is validated (see package
// doc).
func (rp *RelyingParty) VerifyAttestation(challenge, clientDataJSON, attestation []byte, policy Policy) (*Registration, error) {
	if err := rp.verifyClientData(clientDataJSON, challenge, ClientDataTypeCreate); err != nil {
		return nil, err
	}

	var attObj attestationObject
	if err := cbor.Unmarshal(attestation, &attObj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAttestation, err)
	}
	if len(attObj.AuthData) == 0 {
		return nil, fmt.Errorf("%w: no authenticator data", ErrMalformedAttestation)
	}

	ad, err := parseAuthenticatorData(attObj.AuthData)
	if err != nil {
		return nil, err
	}
	if err := ad.verifyRPIDHash(rp.ID); err != nil {
		return nil, err
	}
	if err := policy.checkFlags(ad.flags); err != nil {
		return nil, err
	}
	if !ad.flags.AttestedCredentialData() || len(ad.credentialID) == 0 {
		return nil, ErrNoAttestedCredential
	}

	// Parse the key now so a credential with an unusable key is rejected at
	// registration time instead of first login.
	if _, _, err := parseCOSEKey(ad.publicKey); err != nil {
		return nil, err
	}

	aaguid, err := uuid.FromBytes(ad.aaguid[:])
	if err != nil {
		return nil, fmt.Errorf("%w: aaguid: %v", ErrMalformedAuthenticatorData, err)
	}

	return &Registration{
		CredentialID: ad.credentialID,
		PublicKey:    ad.publicKey,
		SignCount:    ad.counter,
		AAGUID:       aaguid.String(),
		Flags:        ad.flags,
	}, nil
}

// VerifyAssertion validates an authentication ceremony response against a
// stored COSE public key. The signature covers authenticatorData followed by
// SHA-256(clientDataJSON).
func (rp *RelyingParty) VerifyAssertion(publicKey, challenge, clientDataJSON, authData, signature []byte, policy Policy) (*Assertion, error) {
	if err := rp.verifyClientData(clientDataJSON, challenge, ClientDataTypeGet); err != nil {
		return nil, err
	}

	ad, err := parseAuthenticatorData(authData)
	if err != nil {
		return nil, err
	}
	if err := ad.verifyRPIDHash(rp.ID); err != nil {
		return nil, err
	}
	if err := policy.checkFlags(ad.flags); err != nil {
		return nil, err
	}

	pub, alg, err := parseCOSEKey(publicKey)
	if err != nil {
		return nil, err
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(authData)+len(clientDataHash))
	signed = append(signed, authData...)
	signed = append(signed, clientDataHash[:]...)

	if err := verifySignature(pub, alg, signed, signature); err != nil {
		return nil, err
	}

	return &Assertion{SignCount: ad.counter, Flags: ad.flags}, nil
}
