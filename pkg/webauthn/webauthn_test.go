package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

const (
	flagUP   = 1 << 0
	flagUV   = 1 << 2
	flagAT   = 1 << 6
	testRPID = "example.com"
)

var testRP = &RelyingParty{
	ID:     testRPID,
	Name:   "Example",
	Origin: "https://example.com",
}

var strictPolicy = Policy{RequireUserPresence: true, RequireUserVerification: true}

// fakeAuthenticator produces ceremony payloads the way a real platform
// authenticator would, so verification can be exercised end to end without a
// browser.
type fakeAuthenticator struct {
	t            *testing.T
	signKey      *ecdsa.PrivateKey
	credentialID []byte
	aaguid       [16]byte
	counter      uint32
}

func newFakeAuthenticator(t *testing.T) *fakeAuthenticator {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	auth := &fakeAuthenticator{
		t:            t,
		signKey:      key,
		credentialID: []byte("test-credential-id-0001"),
		counter:      1,
	}
	copy(auth.aaguid[:], []byte("0123456789abcdef"))
	return auth
}

func (a *fakeAuthenticator) coseKey() []byte {
	a.t.Helper()

	key, err := cbor.Marshal(map[int]interface{}{
		1:  keyTypeEC2,
		3:  AlgES256,
		-1: curveP256,
		-2: a.signKey.X.Bytes(),
		-3: a.signKey.Y.Bytes(),
	})
	if err != nil {
		a.t.Fatalf("failed to marshal cose key: %v", err)
	}
	return key
}

func (a *fakeAuthenticator) authData(rpID string, flags byte, attested bool) []byte {
	a.t.Helper()

	rpIDHash := sha256.Sum256([]byte(rpID))
	data := append([]byte{}, rpIDHash[:]...)
	data = append(data, flags)
	data = binary.BigEndian.AppendUint32(data, a.counter)

	if attested {
		data = append(data, a.aaguid[:]...)
		data = binary.BigEndian.AppendUint16(data, uint16(len(a.credentialID)))
		data = append(data, a.credentialID...)
		data = append(data, a.coseKey()...)
	}
	return data
}

func (a *fakeAuthenticator) clientDataJSON(ceremonyType, origin string, challenge []byte) []byte {
	a.t.Helper()

	data, err := json.Marshal(map[string]interface{}{
		"type":        ceremonyType,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      origin,
		"crossOrigin": false,
	})
	if err != nil {
		a.t.Fatalf("failed to marshal client data: %v", err)
	}
	return data
}

func (a *fakeAuthenticator) attestationObject(authData []byte) []byte {
	a.t.Helper()

	obj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      "none",
		"attStmt":  map[string]interface{}{},
		"authData": authData,
	})
	if err != nil {
		a.t.Fatalf("failed to marshal attestation object: %v", err)
	}
	return obj
}

func (a *fakeAuthenticator) sign(authData, clientDataJSON []byte) []byte {
	a.t.Helper()

	clientDataHash := sha256.Sum256(clientDataJSON)
	message := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(message)

	sig, err := ecdsa.SignASN1(rand.Reader, a.signKey, digest[:])
	if err != nil {
		a.t.Fatalf("failed to sign: %v", err)
	}
	return sig
}

func testChallenge() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestVerifyAttestation(t *testing.T) {
	t.Run("accepts a valid registration and extracts the credential", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV|flagAT, true))

		reg, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if err != nil {
			t.Fatalf("expected registration to verify, got %v", err)
		}
		if string(reg.CredentialID) != string(auth.credentialID) {
			t.Fatalf("expected credential id %q, got %q", auth.credentialID, reg.CredentialID)
		}
		if reg.SignCount != auth.counter {
			t.Fatalf("expected sign count %d, got %d", auth.counter, reg.SignCount)
		}
		if reg.AAGUID == "" || reg.AAGUID == "00000000-0000-0000-0000-000000000000" {
			t.Fatalf("expected a non-zero aaguid, got %q", reg.AAGUID)
		}
		if len(reg.PublicKey) == 0 {
			t.Fatal("expected raw cose public key bytes")
		}
	})

	t.Run("rejects a challenge mismatch", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, []byte("attacker-chosen-challenge-bytes!"))
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV|flagAT, true))

		_, err := testRP.VerifyAttestation(testChallenge(), clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrChallengeMismatch) {
			t.Fatalf("expected ErrChallengeMismatch, got %v", err)
		}
	})

	t.Run("rejects a foreign origin", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, "https://evil.example.net", challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV|flagAT, true))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrOriginMismatch) {
			t.Fatalf("expected ErrOriginMismatch, got %v", err)
		}
	})

	t.Run("rejects the wrong ceremony type", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV|flagAT, true))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrMalformedClientData) {
			t.Fatalf("expected ErrMalformedClientData, got %v", err)
		}
	})

	t.Run("rejects an rp id hash for a different domain", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData("other.test", flagUP|flagUV|flagAT, true))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrRPIDMismatch) {
			t.Fatalf("expected ErrRPIDMismatch, got %v", err)
		}
	})

	t.Run("rejects missing user verification when required", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagAT, true))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrUserVerificationRequired) {
			t.Fatalf("expected ErrUserVerificationRequired, got %v", err)
		}
	})

	t.Run("allows missing user verification when policy does not require it", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagAT, true))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, Policy{RequireUserPresence: true})
		if err != nil {
			t.Fatalf("expected registration to verify, got %v", err)
		}
	})

	t.Run("rejects missing user presence", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUV|flagAT, true))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrUserPresenceRequired) {
			t.Fatalf("expected ErrUserPresenceRequired, got %v", err)
		}
	})

	t.Run("rejects authenticator data without an attested credential", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV, false))

		_, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if !errors.Is(err, ErrNoAttestedCredential) {
			t.Fatalf("expected ErrNoAttestedCredential, got %v", err)
		}
	})

	t.Run("rejects garbage attestation bytes", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)

		_, err := testRP.VerifyAttestation(challenge, clientData, []byte("not cbor at all"), strictPolicy)
		if !errors.Is(err, ErrMalformedAttestation) {
			t.Fatalf("expected ErrMalformedAttestation, got %v", err)
		}
	})

	t.Run("rejects garbage client data", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV|flagAT, true))

		_, err := testRP.VerifyAttestation(testChallenge(), []byte("{broken"), attObj, strictPolicy)
		if !errors.Is(err, ErrMalformedClientData) {
			t.Fatalf("expected ErrMalformedClientData, got %v", err)
		}
	})
}

func TestVerifyAssertion(t *testing.T) {
	register := func(t *testing.T, auth *fakeAuthenticator) *Registration {
		t.Helper()

		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeCreate, testRP.Origin, challenge)
		attObj := auth.attestationObject(auth.authData(testRPID, flagUP|flagUV|flagAT, true))

		reg, err := testRP.VerifyAttestation(challenge, clientData, attObj, strictPolicy)
		if err != nil {
			t.Fatalf("registration setup failed: %v", err)
		}
		return reg
	}

	t.Run("accepts a valid assertion and reports the counter", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		reg := register(t, auth)

		auth.counter = 7
		challenge := []byte("another-32-byte-challenge-value!")
		clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)
		authData := auth.authData(testRPID, flagUP|flagUV, false)
		sig := auth.sign(authData, clientData)

		assertion, err := testRP.VerifyAssertion(reg.PublicKey, challenge, clientData, authData, sig, strictPolicy)
		if err != nil {
			t.Fatalf("expected assertion to verify, got %v", err)
		}
		if assertion.SignCount != 7 {
			t.Fatalf("expected sign count 7, got %d", assertion.SignCount)
		}
		if !assertion.Flags.UserVerified() {
			t.Fatal("expected user verified flag to be reported")
		}
	})

	t.Run("rejects a signature from a different key", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		reg := register(t, auth)

		impostor := newFakeAuthenticator(t)
		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)
		authData := auth.authData(testRPID, flagUP|flagUV, false)
		sig := impostor.sign(authData, clientData)

		_, err := testRP.VerifyAssertion(reg.PublicKey, challenge, clientData, authData, sig, strictPolicy)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("rejects tampered authenticator data", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		reg := register(t, auth)

		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)
		authData := auth.authData(testRPID, flagUP|flagUV, false)
		sig := auth.sign(authData, clientData)
		authData[36]++ // bump the counter after signing

		_, err := testRP.VerifyAssertion(reg.PublicKey, challenge, clientData, authData, sig, strictPolicy)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("rejects a replayed challenge value", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		reg := register(t, auth)

		clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, []byte("stale-challenge-from-last-week!!"))
		authData := auth.authData(testRPID, flagUP|flagUV, false)
		sig := auth.sign(authData, clientData)

		_, err := testRP.VerifyAssertion(reg.PublicKey, testChallenge(), clientData, authData, sig, strictPolicy)
		if !errors.Is(err, ErrChallengeMismatch) {
			t.Fatalf("expected ErrChallengeMismatch, got %v", err)
		}
	})

	t.Run("rejects truncated authenticator data", func(t *testing.T) {
		auth := newFakeAuthenticator(t)
		reg := register(t, auth)

		challenge := testChallenge()
		clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)

		_, err := testRP.VerifyAssertion(reg.PublicKey, challenge, clientData, []byte("short"), nil, strictPolicy)
		if !errors.Is(err, ErrMalformedAuthenticatorData) {
			t.Fatalf("expected ErrMalformedAuthenticatorData, got %v", err)
		}
	})
}

func TestVerifyAssertionEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ed25519 key: %v", err)
	}

	coseKey, err := cbor.Marshal(map[int]interface{}{
		1:  keyTypeOKP,
		3:  AlgEdDSA,
		-1: curveEd25519,
		-2: []byte(pub),
	})
	if err != nil {
		t.Fatalf("failed to marshal cose key: %v", err)
	}

	auth := newFakeAuthenticator(t)
	challenge := testChallenge()
	clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)
	authData := auth.authData(testRPID, flagUP|flagUV, false)

	clientDataHash := sha256.Sum256(clientData)
	message := append(append([]byte{}, authData...), clientDataHash[:]...)
	sig := ed25519.Sign(priv, message)

	assertion, err := testRP.VerifyAssertion(coseKey, challenge, clientData, authData, sig, strictPolicy)
	if err != nil {
		t.Fatalf("expected ed25519 assertion to verify, got %v", err)
	}
	if assertion.SignCount != auth.counter {
		t.Fatalf("expected sign count %d, got %d", auth.counter, assertion.SignCount)
	}
}

func TestVerifyAssertionRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}

	coseKey, err := cbor.Marshal(map[int]interface{}{
		1:  keyTypeRSA,
		3:  AlgRS256,
		-1: key.PublicKey.N.Bytes(),
		-2: []byte{0x01, 0x00, 0x01},
	})
	if err != nil {
		t.Fatalf("failed to marshal cose key: %v", err)
	}

	auth := newFakeAuthenticator(t)
	challenge := testChallenge()
	clientData := auth.clientDataJSON(ClientDataTypeGet, testRP.Origin, challenge)
	authData := auth.authData(testRPID, flagUP|flagUV, false)

	clientDataHash := sha256.Sum256(clientData)
	message := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := testRP.VerifyAssertion(coseKey, challenge, clientData, authData, sig, strictPolicy); err != nil {
		t.Fatalf("expected rs256 assertion to verify, got %v", err)
	}
}

func TestParseCOSEKey(t *testing.T) {
	t.Run("rejects an unknown key type", func(t *testing.T) {
		raw, err := cbor.Marshal(map[int]interface{}{1: 99, 3: AlgES256})
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}

		if _, _, err := parseCOSEKey(raw); !errors.Is(err, ErrUnsupportedKeyType) {
			t.Fatalf("expected ErrUnsupportedKeyType, got %v", err)
		}
	})

	t.Run("rejects an ec2 point off the curve", func(t *testing.T) {
		raw, err := cbor.Marshal(map[int]interface{}{
			1:  keyTypeEC2,
			3:  AlgES256,
			-1: curveP256,
			-2: []byte{0x01},
			-3: []byte{0x02},
		})
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}

		if _, _, err := parseCOSEKey(raw); !errors.Is(err, ErrUnsupportedKeyType) {
			t.Fatalf("expected ErrUnsupportedKeyType, got %v", err)
		}
	})

	t.Run("rejects an ed25519 key of the wrong length", func(t *testing.T) {
		raw, err := cbor.Marshal(map[int]interface{}{
			1:  keyTypeOKP,
			3:  AlgEdDSA,
			-1: curveEd25519,
			-2: []byte("too short"),
		})
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}

		if _, _, err := parseCOSEKey(raw); !errors.Is(err, ErrUnsupportedKeyType) {
			t.Fatalf("expected ErrUnsupportedKeyType, got %v", err)
		}
	})
}

func TestVerifyOriginScope(t *testing.T) {
	tests := []struct {
		name    string
		rpID    string
		origin  string
		wantErr error
	}{
		{"exact host", "example.com", "https://example.com", nil},
		{"subdomain of rp id", "example.com", "https://login.example.com", nil},
		{"host with port", "example.com", "https://example.com:8443", nil},
		{"suffix but not subdomain", "example.com", "https://evilexample.com", ErrRPIDMismatch},
		{"unrelated host", "example.com", "https://other.test", ErrRPIDMismatch},
		{"empty origin", "example.com", "", ErrOriginMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rp := &RelyingParty{ID: tc.rpID, Origin: tc.origin}
			err := rp.verifyOriginScope(tc.origin)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected origin to be in scope, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}
