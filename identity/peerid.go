// Package identity provides the node's peer identifier and the (currently
// unused by the wire protocol) asymmetric keypair that PeerId is a stand-in
// for. See Identity for the seam.
package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PeerId is an opaque, fixed-width, comparable tag identifying a peer.
// A production deployment would replace this with a public key; nothing
// in the wire protocol or the trust/replication logic inspects its bytes
// beyond equality, hashing, and ordering.
type PeerId [8]byte

// Zero is the PeerId with all bytes zero. It is never a valid generated
// or derived id, and is used as a sentinel (the explorer falls back to it
// when an `id` command's argument does not parse).
var Zero PeerId

func (id PeerId) String() string {
	return hex.EncodeToString(id[:])
}

// Less gives PeerId a total order, used to order authors within a sequence.
func (id PeerId) Less(other PeerId) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id PeerId) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *PeerId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePeerId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParsePeerId decodes a PeerId from its hex string form.
func ParsePeerId(s string) (PeerId, error) {
	var id PeerId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid peer id %q: expected %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// RandomPeerId generates a PeerId with no backing keypair. Used by the
// explorer, which authenticates to nothing and needs only a distinguishing
// tag for the `from` field of its own messages.
func RandomPeerId() PeerId {
	var id PeerId
	_, _ = rand.Read(id[:])
	return id
}
