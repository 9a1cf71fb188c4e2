// Package peertable implements the handshake state machine that sits
// between the wire codec and everything else: which addresses are
// verified, which challenges are outstanding, what is waiting to go out
// once an address verifies, and which payloads were recently broadcast
// (so the same gossip message is not re-sent to a peer twice in a row).
package peertable

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/wire"
)

const (
	// VerificationTimeout is how long a successful handshake is trusted
	// before the peer must be re-verified.
	VerificationTimeout = 600 * time.Second
	// ChallengeTimeout bounds how long a pending message waiting on a
	// handshake is kept. Upkeep does not apply it to outstanding
	// challenges themselves (see SweepChallenges).
	ChallengeTimeout = 16 * time.Second
	// RebroadcastSuppression is how long a gossiped payload is remembered
	// to avoid re-sending it before it has had a chance to propagate
	// elsewhere.
	RebroadcastSuppression = 60 * time.Second
	// GossipFanout is the maximum number of peers SendSeveral picks per
	// call.
	GossipFanout = 10
	// NeighborTarget is the healthy view size NeighborDeficit aims for.
	NeighborTarget = 10

	challengeLen = 10
)

const challengeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Sender delivers an already-encoded frame to an address. transport.Socket
// implements this; tests use a fake.
type Sender interface {
	SendTo(addr net.Addr, data []byte) error
}

// peerRecord is what the table remembers about a verified address. Only a
// record whose peer reported canBeNeighbor=true is a gossip target; there
// is no cap on how many such neighbors a table keeps.
type peerRecord struct {
	addr          net.Addr
	verifiedAt    time.Time
	canBeNeighbor bool
}

// challengeRecord is an outstanding Verify this table issued to addr.
type challengeRecord struct {
	addr     net.Addr
	issuedAt time.Time
}

// pendingMsg is a message buffered for an address while it is unverified.
type pendingMsg struct {
	msg        wire.Message
	bufferedAt time.Time
}

// Table owns the handshake state machine and send discipline for one
// node's or explorer's socket.
type Table struct {
	self          identity.PeerId
	sender        Sender
	canBeNeighbor bool

	mu         sync.RWMutex
	verified   map[string]*peerRecord
	challenges map[string]challengeRecord
	pending    map[string][]pendingMsg
	dedupe     map[string]time.Time
}

// New creates an empty table. canBeNeighbor is what this table reports in
// its Verified replies — true for a node, false for an explorer, which
// never wants to be gossiped as a neighbor candidate.
func New(self identity.PeerId, sender Sender, canBeNeighbor bool) *Table {
	return &Table{
		self:          self,
		sender:        sender,
		canBeNeighbor: canBeNeighbor,
		verified:      make(map[string]*peerRecord),
		challenges:    make(map[string]challengeRecord),
		pending:       make(map[string][]pendingMsg),
		dedupe:        make(map[string]time.Time),
	}
}

func randomChallenge() string {
	buf := make([]byte, challengeLen)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(challengeAlphabet))))
		if err != nil {
			// crypto/rand failing is unrecoverable; fall back to a fixed
			// index rather than panic mid-handshake.
			buf[i] = challengeAlphabet[0]
			continue
		}
		buf[i] = challengeAlphabet[n.Int64()]
	}
	return string(buf)
}

// IsVerified reports whether addr has a live verification.
func (t *Table) IsVerified(addr net.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.verified[addr.String()]
	if !ok {
		return false
	}
	return time.Since(rec.verifiedAt) < VerificationTimeout
}

// Send delivers msg to addr, applying the send discipline: if addr is
// verified it goes out now; otherwise msg is buffered and a Verify
// challenge is issued (unless one is already outstanding for addr).
func (t *Table) Send(addr net.Addr, msg wire.Message) error {
	t.mu.Lock()
	rec, ok := t.verified[addr.String()]
	if ok && time.Since(rec.verifiedAt) < VerificationTimeout {
		t.mu.Unlock()
		return t.sendNow(addr, msg)
	}
	if ok {
		delete(t.verified, addr.String())
	}
	t.pending[addr.String()] = append(t.pending[addr.String()], pendingMsg{msg: msg, bufferedAt: time.Now()})
	needChallenge := !t.hasOutstandingChallengeForLocked(addr)
	t.mu.Unlock()

	if needChallenge {
		return t.RequestVerification(addr)
	}
	return nil
}

func (t *Table) hasOutstandingChallengeForLocked(addr net.Addr) bool {
	for _, c := range t.challenges {
		if c.addr.String() == addr.String() {
			return true
		}
	}
	return false
}

func (t *Table) sendNow(addr net.Addr, msg wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("peertable: encode message for %s: %w", addr, err)
	}
	return t.sender.SendTo(addr, data)
}

// RequestVerification issues a fresh Verify challenge to addr, bypassing
// the send discipline — a Verify always goes out regardless of whether
// addr is already verified.
func (t *Table) RequestVerification(addr net.Addr) error {
	challenge := randomChallenge()
	t.mu.Lock()
	t.challenges[challenge] = challengeRecord{addr: addr, issuedAt: time.Now()}
	t.mu.Unlock()

	data, err := wire.NewVerify(t.self, challenge).Encode()
	if err != nil {
		return fmt.Errorf("peertable: encode verify for %s: %w", addr, err)
	}
	return t.sender.SendTo(addr, data)
}

// HandleVerify answers an incoming Verify. If challenge is one this table
// itself issued and is still outstanding, the request is dropped — two
// peers that send a Verify to each other at the same moment must not
// reply to their own outstanding challenge, which is what would let a
// forged source address be bounced back at itself.
func (t *Table) HandleVerify(from net.Addr, challenge string) error {
	t.mu.Lock()
	_, ours := t.challenges[challenge]
	t.mu.Unlock()
	if ours {
		return nil
	}

	data, err := wire.NewVerified(t.self, challenge, t.canBeNeighbor).Encode()
	if err != nil {
		return fmt.Errorf("peertable: encode verified for %s: %w", from, err)
	}
	return t.sender.SendTo(from, data)
}

// HandleVerified completes a handshake this table initiated: challenge
// must match one still outstanding for from. remoteCanBeNeighbor is what
// the peer reported about itself; it decides whether from is a
// SendSeveral target and is counted in Stats. Any messages
// buffered for from while it was unverified are flushed immediately.
func (t *Table) HandleVerified(from net.Addr, challenge string, remoteCanBeNeighbor bool) error {
	t.mu.Lock()
	rec, ok := t.challenges[challenge]
	if !ok || rec.addr.String() != from.String() {
		t.mu.Unlock()
		return nil
	}
	delete(t.challenges, challenge)

	t.verified[from.String()] = &peerRecord{
		addr:          from,
		verifiedAt:    time.Now(),
		canBeNeighbor: remoteCanBeNeighbor,
	}
	queued := t.pending[from.String()]
	delete(t.pending, from.String())
	t.mu.Unlock()

	for _, p := range queued {
		if err := t.sendNow(from, p.msg); err != nil {
			return err
		}
	}
	return nil
}

// SendSeveral gossips msg to up to GossipFanout randomly chosen peers whose
// verification is still live and who reported canBeNeighbor=true in their
// Verified reply, recording it in the dedupe set. A message whose exact encoding
// was broadcast within RebroadcastSuppression is not sent again.
func (t *Table) SendSeveral(msg wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("peertable: encode message for broadcast: %w", err)
	}
	key := string(data)

	t.mu.Lock()
	if last, ok := t.dedupe[key]; ok && time.Since(last) < RebroadcastSuppression {
		t.mu.Unlock()
		return nil
	}
	t.dedupe[key] = time.Now()

	targets := make([]net.Addr, 0, len(t.verified))
	for _, rec := range t.verified {
		if rec.canBeNeighbor && time.Since(rec.verifiedAt) < VerificationTimeout {
			targets = append(targets, rec.addr)
		}
	}
	t.mu.Unlock()

	shuffle(targets)
	if len(targets) > GossipFanout {
		targets = targets[:GossipFanout]
	}
	for _, addr := range targets {
		if err := t.sender.SendTo(addr, data); err != nil {
			return err
		}
	}
	return nil
}

func shuffle(addrs []net.Addr) {
	for i := len(addrs) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(n.Int64())
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
}

// NeighborDeficit returns how many more verified addresses this table
// could use before reaching a healthy view size, used to bound how many
// gossiped addresses are worth chasing with a verification challenge.
func (t *Table) NeighborDeficit() int {
	deficit := NeighborTarget - len(t.VerifiedAddrs())
	if deficit < 0 {
		return 0
	}
	return deficit
}

// VerifiedAddrs snapshots every address with a live verification.
func (t *Table) VerifiedAddrs() []net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addrs := make([]net.Addr, 0, len(t.verified))
	for _, rec := range t.verified {
		if time.Since(rec.verifiedAt) < VerificationTimeout {
			addrs = append(addrs, rec.addr)
		}
	}
	return addrs
}

// SwapNeighbors gossips the current verified-address list to the network,
// the way a peer-sampling service refreshes everyone else's view of who
// is reachable.
func (t *Table) SwapNeighbors() error {
	addrs := t.VerifiedAddrs()
	if len(addrs) == 0 {
		return nil
	}
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	return t.SendSeveral(wire.NewNeighbors(t.self, strs))
}

// Upkeep evicts expired verifications, stale pending buffers and old
// dedupe entries, then refreshes neighbor gossip. Outstanding challenges
// are deliberately NOT swept here — see SweepChallenges. It is meant to be
// called on a fixed interval by the owning node.
//
// A pending bucket whose address has since become verified is flushed and
// dropped here too, as a second line of defense alongside the immediate
// flush HandleVerified already performs — Upkeep should never find a
// verified address still holding a pending bucket, but if it ever does,
// this closes the gap instead of leaving the bucket to expire unsent.
func (t *Table) Upkeep() error {
	now := time.Now()

	type flushJob struct {
		addr net.Addr
		msgs []pendingMsg
	}
	var toFlush []flushJob

	t.mu.Lock()
	for key, rec := range t.verified {
		if now.Sub(rec.verifiedAt) >= VerificationTimeout {
			delete(t.verified, key)
		}
	}
	for addrKey, queued := range t.pending {
		if rec, ok := t.verified[addrKey]; ok && now.Sub(rec.verifiedAt) < VerificationTimeout {
			toFlush = append(toFlush, flushJob{addr: rec.addr, msgs: queued})
			delete(t.pending, addrKey)
			continue
		}
		kept := queued[:0]
		for _, p := range queued {
			if now.Sub(p.bufferedAt) < ChallengeTimeout {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(t.pending, addrKey)
		} else {
			t.pending[addrKey] = kept
		}
	}
	for key, at := range t.dedupe {
		if now.Sub(at) >= RebroadcastSuppression {
			delete(t.dedupe, key)
		}
	}
	t.mu.Unlock()

	for _, job := range toFlush {
		for _, p := range job.msgs {
			if err := t.sendNow(job.addr, p.msg); err != nil {
				return err
			}
		}
	}

	return t.SwapNeighbors()
}

// SweepChallenges evicts outstanding challenges older than ttl. It exists
// as a hook for a future caller — Upkeep does not call it, so a challenge
// currently lives until a matching Verified consumes it. A fresh
// RequestVerification adds a new challenge alongside any older ones for
// the same address. Left unswept on purpose; see design notes.
func (t *Table) SweepChallenges(ttl time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for challenge, rec := range t.challenges {
		if now.Sub(rec.issuedAt) >= ttl {
			delete(t.challenges, challenge)
		}
	}
}

// Stats reports a snapshot suitable for a status endpoint.
func (t *Table) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	neighborCapable := 0
	for _, rec := range t.verified {
		if rec.canBeNeighbor {
			neighborCapable++
		}
	}
	return map[string]interface{}{
		"verified_peers":         len(t.verified),
		"neighbor_capable_peers": neighborCapable,
		"outstanding_challenges": len(t.challenges),
		"pending_buffers":        len(t.pending),
		"dedupe_entries":         len(t.dedupe),
	}
}
