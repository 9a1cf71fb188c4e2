// Package replication wires the data store and trust ledger together into
// the protocol's actual behavior: which entries get ingested, which get
// forwarded regardless, and how the partial peer view is grown from
// gossiped neighbor addresses.
package replication

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/blindxfish/meshkv/datastore"
	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/peertable"
	"github.com/blindxfish/meshkv/trust"
	"github.com/blindxfish/meshkv/wire"
)

// NeighborTarget mirrors peertable.NeighborTarget, the view size whose
// deficit (peertable.Table.NeighborDeficit) bounds how many gossiped
// addresses HandleNeighbors chases with a verification challenge.
const NeighborTarget = 10

// Engine ties the data store, trust ledger and peer table together for
// one node. It holds no state of its own beyond its dependencies.
type Engine struct {
	self   identity.PeerId
	store  *datastore.Store
	ledger *trust.Ledger
	table  *peertable.Table
}

// New creates an Engine over the given store, ledger and table.
func New(self identity.PeerId, store *datastore.Store, ledger *trust.Ledger, table *peertable.Table) *Engine {
	return &Engine{self: self, store: store, ledger: ledger, table: table}
}

// HandleGet answers a Get request by sending the requested entries to
// requester over the handshake-gated send path.
func (e *Engine) HandleGet(requester net.Addr, key string, count int) error {
	entries := e.store.Get(key, count)
	return e.table.Send(requester, wire.NewValues(e.self, entries))
}

// HandleValues runs the two-stage ingestion filter described in the
// replication design: entries from distrusted authors are dropped
// outright, surviving entries are rebroadcast to widen propagation
// regardless of whether they are ultimately ingested, and only entries
// from currently-trusted authors are written to the store. The drop
// for entries this node already holds happens first — a gossip loop
// must not retrigger a rebroadcast.
func (e *Engine) HandleValues(entries []wire.Entry) error {
	survivors := make([]wire.Entry, 0, len(entries))
	for _, entry := range entries {
		if e.ledger.IsDistrusted(entry.Author) {
			continue
		}
		if e.store.Contains(entry) {
			continue
		}
		survivors = append(survivors, entry)
	}
	if len(survivors) == 0 {
		return nil
	}

	if err := e.table.SendSeveral(wire.NewValues(e.self, survivors)); err != nil {
		return fmt.Errorf("replication: rebroadcast values: %w", err)
	}

	trusted := survivors[:0]
	for _, entry := range survivors {
		if e.ledger.IsTrusted(entry.Author) {
			trusted = append(trusted, entry)
		}
	}
	e.store.Ingest(trusted)
	return nil
}

// HandleSet processes a Set request. Per the non-cryptographic authority
// seam, a Set is only acted on when the message's declared From equals
// this node's own id — the wire protocol's stand-in for "this request was
// authorized", until PeerId carries a real signature.
func (e *Engine) HandleSet(from identity.PeerId, key, value string) error {
	if from != e.self {
		return nil
	}
	seq := e.store.NextSeq(key)
	entry := wire.Entry{Author: from, Seq: seq, Key: key, Value: value}
	e.store.Insert(entry)
	return e.table.SendSeveral(wire.NewValues(e.self, []wire.Entry{entry}))
}

// HandleLink processes a Link request, again gated by from == self. addr
// must be a UDP address string; unparsable addresses are ignored rather
// than erroring, matching the protocol's silent-drop policy for malformed
// peer input.
func (e *Engine) HandleLink(from identity.PeerId, addr string) error {
	if from != e.self {
		return nil
	}
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil
	}
	return e.table.RequestVerification(resolved)
}

// HandleNeighbors chases down gossiped addresses with a verification
// challenge, issuing at most as many challenges as the peer table's
// NeighborDeficit at the start of the call.
// The sender's own address is prepended as a candidate first — a gossiping
// peer is itself a hint worth chasing even if it never appears in its own
// list — then the full candidate set is shuffled so a long Neighbors list
// doesn't always get walked in the same wire order. Already-verified
// addresses and unparsable strings are skipped.
func (e *Engine) HandleNeighbors(from net.Addr, addrs []string) error {
	// The deficit is snapshotted once: a challenge issued here does not
	// verify synchronously, so recomputing NeighborDeficit inside the loop
	// would never shrink within a single call and the cap would do nothing.
	deficit := e.table.NeighborDeficit()
	if deficit <= 0 {
		return nil
	}

	candidates := make([]string, 0, len(addrs)+1)
	if from != nil {
		candidates = append(candidates, from.String())
	}
	candidates = append(candidates, addrs...)
	shuffleStrings(candidates)

	attempted := 0
	for _, raw := range candidates {
		if attempted >= deficit {
			break
		}
		resolved, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			continue
		}
		if e.table.IsVerified(resolved) {
			continue
		}
		if err := e.table.RequestVerification(resolved); err != nil {
			return err
		}
		attempted++
	}
	return nil
}

// shuffleStrings is a Fisher-Yates shuffle using crypto/rand, matching the
// shuffle peertable applies to its own gossip fan-out.
func shuffleStrings(items []string) {
	for i := len(items) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(n.Int64())
		items[i], items[j] = items[j], items[i]
	}
}

// HandleGetTrust replies with this node's base trust table, one Trust
// message per entry, unless the requester is currently distrusted. The
// information leak to neutral/trusted peers is an accepted policy choice,
// not an oversight.
func (e *Engine) HandleGetTrust(requester net.Addr, from identity.PeerId) error {
	if e.ledger.IsDistrusted(from) {
		return nil
	}
	for _, entry := range e.ledger.BaseTrustTable() {
		delta := trust.LevelToDelta(entry.Trust)
		if err := e.table.Send(requester, wire.NewTrust(e.self, entry.Of, delta)); err != nil {
			return err
		}
	}
	return nil
}

// HandleTrust applies a Trust message. When from is this node's own id it
// is a direct base-trust adjustment (delta is a relative change); from any
// other peer it is recorded as that peer's reported opinion of of (delta
// decodes to an absolute level on the same 0..1 scale as base trust).
func (e *Engine) HandleTrust(from, of identity.PeerId, delta int16) {
	level := trust.DeltaToLevel(delta)
	if from == e.self {
		e.ledger.ChangeTrust(of, level)
		return
	}
	e.ledger.AdjustOffset(from, of, level)
}
