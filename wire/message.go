// Package wire implements the node's on-the-datagram framing: a single
// self-describing JSON frame per UDP packet, tagged by message type,
// bounded to MaxFrameBytes with no fragmentation.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/blindxfish/meshkv/identity"
)

// MaxFrameBytes is the largest frame the codec will produce or accept.
// There is no fragmentation above this bound.
const MaxFrameBytes = 2000

// Seq is a per-(author,key) monotone sequence number. A fresh key starts
// at 0; the owning node assigns max(existing)+1 for each new Set.
type Seq uint64

// Less gives Seq its natural ordering. (The Rust source this was distilled
// from had an `order` method that always returned Equal — a bug. Here
// ordering is the plain uint64 order.)
func (s Seq) Less(other Seq) bool {
	return s < other
}

// Entry is a versioned key/value datum authored by a specific peer at a
// specific sequence number. It is identified by (Key, Seq, Author).
type Entry struct {
	Author identity.PeerId `json:"author"`
	Seq    Seq             `json:"seq"`
	Key    string          `json:"key"`
	Value  string          `json:"value"`
}

// Type tags the union of messages carried in a Message frame.
type Type string

const (
	TypeVerify    Type = "verify"
	TypeVerified  Type = "verified"
	TypeGet       Type = "get"
	TypeValues    Type = "values"
	TypeSet       Type = "set"
	TypeLink      Type = "link"
	TypeNeighbors Type = "neighbors"
	TypeGetTrust  Type = "get_trust"
	TypeTrust     Type = "trust"
)

// Message is the single frame format carried in every datagram. Only the
// fields relevant to Type are populated; the rest are left at their zero
// value and omitted from the encoded JSON, except Of, a fixed-width array,
// which is always encoded.
type Message struct {
	From identity.PeerId `json:"from"`
	Type Type            `json:"type"`

	// Verify
	Challenge string `json:"challenge,omitempty"`
	Padding   []byte `json:"padding,omitempty"`

	// Verified
	CanBeNeighbor bool `json:"can_be_neighbor,omitempty"`

	// Get
	Key   string `json:"key,omitempty"`
	Count int    `json:"count,omitempty"`

	// Values
	Entries []Entry `json:"entries,omitempty"`

	// Set
	Entry *Entry `json:"entry,omitempty"`

	// Link
	Addr string `json:"addr,omitempty"`

	// Neighbors
	Addrs []string `json:"addrs,omitempty"`

	// Trust: Of is also used as the subject for GetTrust replies.
	Of    identity.PeerId `json:"of,omitempty"`
	Delta int16           `json:"delta,omitempty"`
}

func verifyPadding() []byte {
	return make([]byte, 16)
}

// NewVerify builds a handshake challenge frame.
func NewVerify(from identity.PeerId, challenge string) Message {
	return Message{From: from, Type: TypeVerify, Challenge: challenge, Padding: verifyPadding()}
}

// NewVerified builds a handshake reply frame.
func NewVerified(from identity.PeerId, challenge string, canBeNeighbor bool) Message {
	return Message{From: from, Type: TypeVerified, Challenge: challenge, CanBeNeighbor: canBeNeighbor}
}

// NewGet requests up to count newest entries for key.
func NewGet(from identity.PeerId, key string, count int) Message {
	return Message{From: from, Type: TypeGet, Key: key, Count: count}
}

// NewValues wraps entries as a Get reply or gossip propagation.
func NewValues(from identity.PeerId, entries []Entry) Message {
	return Message{From: from, Type: TypeValues, Entries: entries}
}

// NewSet asks the receiving node to author entry under a freshly assigned
// sequence number; Seq on entry is ignored by the node and recomputed.
func NewSet(from identity.PeerId, key, value string) Message {
	return Message{
		From: from,
		Type: TypeSet,
		Entry: &Entry{
			Author: from,
			Key:    key,
			Value:  value,
			Seq:    0,
		},
	}
}

// NewLink asks the receiving node to open a connection to addr.
func NewLink(from identity.PeerId, addr string) Message {
	return Message{From: from, Type: TypeLink, Addr: addr}
}

// NewNeighbors gossips a list of candidate peer addresses.
func NewNeighbors(from identity.PeerId, addrs []string) Message {
	return Message{From: from, Type: TypeNeighbors, Addrs: addrs}
}

// NewGetTrust requests the full base-trust table.
func NewGetTrust(from identity.PeerId) Message {
	return Message{From: from, Type: TypeGetTrust}
}

// NewTrust builds a Trust frame. When from equals the receiving node's own
// id, the receiver treats delta as a relative base-trust change; from any
// other peer it is recorded as that peer's offset opinion of of.
func NewTrust(from identity.PeerId, of identity.PeerId, delta int16) Message {
	return Message{From: from, Type: TypeTrust, Of: of, Delta: delta}
}

// Encode serializes m to JSON, refusing to produce a frame over
// MaxFrameBytes rather than silently truncating.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("encode message: frame is %d bytes, exceeds %d byte limit", len(data), MaxFrameBytes)
	}
	return data, nil
}

// Decode parses a single datagram's payload. It returns ok=false for any
// oversized or malformed input — callers drop the datagram silently, per
// the lossy-transport error policy; there is nothing to retry here.
func Decode(data []byte) (msg Message, ok bool) {
	if len(data) > MaxFrameBytes {
		return Message{}, false
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if !msg.valid() {
		return Message{}, false
	}
	return msg, true
}

// valid checks that the fields required by Type are present. It is
// deliberately permissive about extra fields: a frame that includes fields
// for a different Type than it declares is only malformed if the fields
// its own Type needs are missing.
func (m Message) valid() bool {
	switch m.Type {
	case TypeVerify:
		return m.Challenge != ""
	case TypeVerified:
		return m.Challenge != ""
	case TypeGet:
		return m.Key != ""
	case TypeValues:
		return true
	case TypeSet:
		return m.Entry != nil && m.Entry.Key != ""
	case TypeLink:
		return m.Addr != ""
	case TypeNeighbors:
		return true
	case TypeGetTrust:
		return true
	case TypeTrust:
		return true
	default:
		return false
	}
}
