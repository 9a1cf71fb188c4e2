package identity

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

// Identity is a node's real keypair. The wire protocol's handshake never
// touches it — PeerId equality is the only thing Verify/Verified check —
// but an Identity is still generated so that signature verification can
// be added later without reshaping PeerId or the dispatch table. Sign and
// VerifySignature exist for that future upgrade and are not called by
// anything in peertable, trust, or node today.
type Identity struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
	id         PeerId
	address    string
}

// Generate creates a fresh secp256k1 keypair and derives a PeerId from it.
func Generate() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	pub := priv.PubKey()
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		id:         deriveId(pub),
		address:    deriveAddress(pub),
	}, nil
}

// ID returns the PeerId derived from this identity's public key.
func (i *Identity) ID() PeerId {
	return i.id
}

// Address is a Base58Check human-readable form of the public key, in the
// same shape as a TruthChain wallet address. Not used on the wire; it is a
// convenience for logs and the status endpoint.
func (i *Identity) Address() string {
	return i.address
}

// Sign produces a compact, recoverable signature over data. Unused by the
// current handshake; present for the signature-verification upgrade the
// spec's non-goals call out.
func (i *Identity) Sign(data []byte) []byte {
	hash := sha256.Sum256(data)
	return btcecdsa.SignCompact(i.PrivateKey, hash[:], true)
}

// VerifySignature recovers the public key from a compact signature over
// data and checks it matches pub. Unused by the current handshake.
func VerifySignature(data []byte, signature []byte, pub *btcec.PublicKey) bool {
	hash := sha256.Sum256(data)
	recovered, _, err := btcecdsa.RecoverCompact(signature, hash[:])
	if err != nil {
		return false
	}
	return recovered.IsEqual(pub)
}

// deriveId takes the first 8 bytes of ripemd160(sha256(pubkey)) as the
// PeerId — the same hashing chain as deriveAddress, truncated to fit the
// fixed-width tag.
func deriveId(pub *btcec.PublicKey) PeerId {
	h := hashPubKey(pub)
	var id PeerId
	copy(id[:], h[:len(id)])
	return id
}

func deriveAddress(pub *btcec.PublicKey) string {
	h := hashPubKey(pub)
	const versionByte = 0x00
	versioned := append([]byte{versionByte}, h...)
	checksum := sha256.Sum256(versioned)
	checksum = sha256.Sum256(checksum[:])
	full := append(versioned, checksum[:4]...)
	return base58.Encode(full)
}

func hashPubKey(pub *btcec.PublicKey) []byte {
	sha := sha256.Sum256(pub.SerializeCompressed())
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}
