// Package streaming implements the streaming layer of an anonymous
// overlay network: a reliable, ordered, bidirectional message-stream
// protocol carried over a garlic-encrypted, tunnel-routed datagram
// substrate.
package streaming

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
)

// SignatureLength is the fixed size, in bytes, of a packet signature.
// It matches the r||s encoding of a DSA signature over a 160-bit q,
// which is the primitive the original implementation signs SYN/FIN
// packets with.
const SignatureLength = 40

// IdentityLength is the fixed size, in bytes, of a canonical identity
// serialization: a 256-byte encryption public key, a 128-byte signing
// public key, and 3 bytes of padding/certificate.
const IdentityLength = 256 + 128 + 3

// IdentHash is the 32-byte hash of a canonical Identity, used as a
// destination address throughout the module.
type IdentHash [32]byte

// String renders the hash as hex for logging.
func (h IdentHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Identity is a destination's public identity: an encryption public
// key (for the DH group) and a signing public key (for DSA), plus
// fixed padding, serialized to exactly IdentityLength bytes.
//
// Key generation, DH establishment, and DSA are consumed here only as
// primitive operations (crypto/dsa, crypto/rand); the surrounding key
// management (rotation, storage format beyond the flat .dat file) is
// outside this layer's scope.
type Identity struct {
	EncryptionPublicKey [256]byte
	SigningPublicKey    [128]byte
	Padding             [3]byte
}

// Marshal serializes the identity to its canonical 387-byte form.
func (id *Identity) Marshal() []byte {
	buf := make([]byte, 0, IdentityLength)
	buf = append(buf, id.EncryptionPublicKey[:]...)
	buf = append(buf, id.SigningPublicKey[:]...)
	buf = append(buf, id.Padding[:]...)
	return buf
}

// UnmarshalIdentity parses a canonical 387-byte identity.
func UnmarshalIdentity(data []byte) (*Identity, error) {
	if len(data) < IdentityLength {
		return nil, fmt.Errorf("identity too short: got %d bytes, need %d", len(data), IdentityLength)
	}
	id := &Identity{}
	copy(id.EncryptionPublicKey[:], data[0:256])
	copy(id.SigningPublicKey[:], data[256:384])
	copy(id.Padding[:], data[384:387])
	return id, nil
}

// Hash returns the identity's address: the SHA-256 hash of its
// canonical serialization.
func (id *Identity) Hash() IdentHash {
	return sha256.Sum256(id.Marshal())
}

// dsaParameterSize is the byte length of the DSA q parameter this
// module signs with (160 bits), chosen because it is the one classic
// primitive that yields a fixed 40-byte r||s signature, matching the
// wire-exact SIGNATURE option size.
const dsaParameterSize = 20

// Signer produces the fixed-length signature format this layer's
// packets carry. It is a thin boundary around the DSA primitive that
// spec section 1 declares an external collaborator; nothing above
// this interface should need to know it is DSA.
type Signer interface {
	// Sign returns a SignatureLength-byte signature over data.
	Sign(data []byte) ([SignatureLength]byte, error)
	// Identity returns the public identity this signer speaks for.
	Identity() *Identity
}

// Verifier checks signatures produced by a Signer for a given
// identity.
type Verifier interface {
	Verify(identity *Identity, data []byte, sig [SignatureLength]byte) error
}

// DSASigner is the default Signer/Verifier built directly on stdlib
// crypto/dsa, per spec section 1: DSA signing is consumed here as a
// primitive operation, not implemented as a domain concern.
type DSASigner struct {
	priv     *dsa.PrivateKey
	identity *Identity
}

var (
	dsaDomainOnce   sync.Once
	dsaDomainParams dsa.Parameters
	dsaDomainErr    error
)

// sharedDSADomain returns the process-wide DSA (p, q, g) domain
// parameters, generating them once. All identities in a running
// process share one domain, exactly as a real DSA-based PKI would
// standardize its group rather than mint one per key.
func sharedDSADomain() (dsa.Parameters, error) {
	dsaDomainOnce.Do(func() {
		dsaDomainErr = dsa.GenerateParameters(&dsaDomainParams, rand.Reader, dsa.L1024N160)
	})
	return dsaDomainParams, dsaDomainErr
}

// NewDSASigner generates a fresh DSA key pair and a matching Identity.
// The encryption half of the identity is filled with random bytes:
// DH key establishment is likewise an out-of-scope primitive, and no
// operation in this layer performs encryption with it directly.
func NewDSASigner() (*DSASigner, error) {
	params, err := sharedDSADomain()
	if err != nil {
		return nil, fmt.Errorf("shared DSA domain: %w", err)
	}

	priv := &dsa.PrivateKey{}
	priv.Parameters = params
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, fmt.Errorf("generate DSA key: %w", err)
	}

	id := &Identity{}
	if _, err := rand.Read(id.EncryptionPublicKey[:]); err != nil {
		return nil, fmt.Errorf("generate encryption key material: %w", err)
	}
	packDSAPublicKey(id, priv)

	return &DSASigner{priv: priv, identity: id}, nil
}

// packDSAPublicKey encodes the public half of priv into the fixed
// 128-byte signing key slot of id, big-endian, zero-padded on the
// left.
func packDSAPublicKey(id *Identity, priv *dsa.PrivateKey) {
	yBytes := priv.Y.Bytes()
	copy(id.SigningPublicKey[128-len(yBytes):], yBytes)
}

// Identity implements Signer.
func (s *DSASigner) Identity() *Identity {
	return s.identity
}

// Sign implements Signer, returning a 40-byte r||s signature: 20
// bytes of r followed by 20 bytes of s, each big-endian and
// zero-padded on the left to fit the 160-bit q domain.
func (s *DSASigner) Sign(data []byte) ([SignatureLength]byte, error) {
	var out [SignatureLength]byte

	digest := sha256.Sum256(data)
	r, sVal, err := dsa.Sign(rand.Reader, s.priv, digest[:dsaParameterSize])
	if err != nil {
		return out, fmt.Errorf("dsa sign: %w", err)
	}

	putPadded(out[0:dsaParameterSize], r)
	putPadded(out[dsaParameterSize:], sVal)
	return out, nil
}

// putPadded writes v's big-endian bytes into dst, right-aligned and
// zero-padded on the left. v is assumed to fit within len(dst).
func putPadded(dst []byte, v *big.Int) {
	b := v.Bytes()
	if len(b) > len(dst) {
		b = b[len(b)-len(dst):]
	}
	copy(dst[len(dst)-len(b):], b)
}

// Verify implements Verifier by reconstructing the DSA public key
// from identity and checking the 40-byte r||s signature against a
// SHA-256 digest of data.
func (DSASigner) Verify(identity *Identity, data []byte, sig [SignatureLength]byte) error {
	if identity == nil {
		return fmt.Errorf("verify: nil identity")
	}

	params, err := sharedDSADomain()
	if err != nil {
		return fmt.Errorf("verify: shared DSA domain: %w", err)
	}

	pub := &dsa.PublicKey{
		Parameters: params,
		Y:          new(big.Int).SetBytes(identity.SigningPublicKey[:]),
	}

	r := new(big.Int).SetBytes(sig[0:dsaParameterSize])
	sVal := new(big.Int).SetBytes(sig[dsaParameterSize:])

	digest := sha256.Sum256(data)
	if !dsa.Verify(pub, digest[:dsaParameterSize], r, sVal) {
		return fmt.Errorf("verify: signature does not match identity")
	}
	return nil
}
