package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// COSE algorithm identifiers (RFC 9053). These are the algorithms offered to
// browsers at registration and the only ones accepted at verification.
const (
	AlgES256 = -7
	AlgEdDSA = -8
	AlgES384 = -35
	AlgES512 = -36
	AlgRS256 = -257
)

// SupportedAlgorithms lists the COSE identifiers in preference order, used to
// build the pubKeyCredParams option list.
var SupportedAlgorithms = []int64{AlgES256, AlgES384, AlgES512, AlgEdDSA, AlgRS256}

// COSE key types.
const (
	keyTypeOKP = 1
	keyTypeEC2 = 2
	keyTypeRSA = 3
)

// COSE elliptic curves.
const (
	curveP256    = 1
	curveP384    = 2
	curveP521    = 3
	curveEd25519 = 6
)

type coseKeyHeader struct {
	Kty int64 `cbor:"1,keyasint"`
	Alg int64 `cbor:"3,keyasint"`
}

type coseEC2Key struct {
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

type coseOKPKey struct {
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
}

type coseRSAKey struct {
	N []byte `cbor:"-1,keyasint"`
	E []byte `cbor:"-2,keyasint"`
}

// parseCOSEKey decodes a raw COSE_Key into a crypto.PublicKey plus its
// declared algorithm.
func parseCOSEKey(raw []byte) (crypto.PublicKey, int64, error) {
	var header coseKeyHeader
	if err := cbor.Unmarshal(raw, &header); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnsupportedKeyType, err)
	}

	switch header.Kty {
	case keyTypeEC2:
		var key coseEC2Key
		if err := cbor.Unmarshal(raw, &key); err != nil {
			return nil, 0, fmt.Errorf("%w: ec2: %v", ErrUnsupportedKeyType, err)
		}
		curve, err := ec2Curve(key.Crv)
		if err != nil {
			return nil, 0, err
		}
		pub := &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(key.X),
			Y:     new(big.Int).SetBytes(key.Y),
		}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, 0, fmt.Errorf("%w: point not on curve", ErrUnsupportedKeyType)
		}
		return pub, header.Alg, nil

	case keyTypeOKP:
		var key coseOKPKey
		if err := cbor.Unmarshal(raw, &key); err != nil {
			return nil, 0, fmt.Errorf("%w: okp: %v", ErrUnsupportedKeyType, err)
		}
		if key.Crv != curveEd25519 {
			return nil, 0, fmt.Errorf("%w: okp curve %d", ErrUnsupportedKeyType, key.Crv)
		}
		if len(key.X) != ed25519.PublicKeySize {
			return nil, 0, fmt.Errorf("%w: ed25519 key length %d", ErrUnsupportedKeyType, len(key.X))
		}
		return ed25519.PublicKey(key.X), header.Alg, nil

	case keyTypeRSA:
		var key coseRSAKey
		if err := cbor.Unmarshal(raw, &key); err != nil {
			return nil, 0, fmt.Errorf("%w: rsa: %v", ErrUnsupportedKeyType, err)
		}
		e := new(big.Int).SetBytes(key.E)
		if !e.IsInt64() || e.Int64() > int64(1)<<31 {
			return nil, 0, fmt.Errorf("%w: rsa exponent too large", ErrUnsupportedKeyType)
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(key.N),
			E: int(e.Int64()),
		}
		return pub, header.Alg, nil

	default:
		return nil, 0, fmt.Errorf("%w: kty %d", ErrUnsupportedKeyType, header.Kty)
	}
}

func ec2Curve(crv int64) (elliptic.Curve, error) {
	switch crv {
	case curveP256:
		return elliptic.P256(), nil
	case curveP384:
		return elliptic.P384(), nil
	case curveP521:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: ec2 curve %d", ErrUnsupportedKeyType, crv)
	}
}

func ecdsaHash(alg int64) (crypto.Hash, error) {
	switch alg {
	case AlgES256:
		return crypto.SHA256, nil
	case AlgES384:
		return crypto.SHA384, nil
	case AlgES512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: alg %d for ecdsa key", ErrUnsupportedAlgorithm, alg)
	}
}

// verifySignature checks sig over message with the key/algorithm pair parsed
// from a stored COSE key.
func verifySignature(pub crypto.PublicKey, alg int64, message, sig []byte) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		hash, err := ecdsaHash(alg)
		if err != nil {
			return err
		}
		digest := hashSum(hash, message)
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return ErrSignatureInvalid
		}
		return nil

	case ed25519.PublicKey:
		if alg != AlgEdDSA {
			return fmt.Errorf("%w: alg %d for ed25519 key", ErrUnsupportedAlgorithm, alg)
		}
		if !ed25519.Verify(key, message, sig) {
			return ErrSignatureInvalid
		}
		return nil

	case *rsa.PublicKey:
		if alg != AlgRS256 {
			return fmt.Errorf("%w: alg %d for rsa key", ErrUnsupportedAlgorithm, alg)
		}
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return ErrSignatureInvalid
		}
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}

func hashSum(hash crypto.Hash, message []byte) []byte {
	switch hash {
	case crypto.SHA384:
		sum := sha512.Sum384(message)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(message)
		return sum[:]
	default:
		sum := sha256.Sum256(message)
		return sum[:]
	}
}
