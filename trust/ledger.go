// Package trust implements the node's trust ledger: a base opinion per
// peer plus the weighted opinions other peers have reported, combined into
// a single effective score that gates ingestion and rebroadcast.
package trust

import (
	"sync"

	"github.com/blindxfish/meshkv/identity"
)

const (
	// DefaultTrust is the base trust assumed for a peer we have no
	// recorded opinion of.
	DefaultTrust float32 = 0.5
	// TrustedLevel is the effective-score floor for "trusted".
	TrustedLevel float32 = 0.75
	// DistrustedLevel is the effective-score ceiling for "distrusted".
	DistrustedLevel float32 = 0.25
)

// Classification is the three-way bucket an effective trust score falls
// into.
type Classification int

const (
	Distrusted Classification = iota
	Neutral
	Trusted
)

func (c Classification) String() string {
	switch c {
	case Trusted:
		return "trusted"
	case Distrusted:
		return "distrusted"
	default:
		return "neutral"
	}
}

// Ledger holds one node's opinion of every peer it has formed one about,
// plus the opinions it has heard other peers report.
type Ledger struct {
	self identity.PeerId

	mu sync.RWMutex
	// base[id] is this node's own opinion of id, in [0,1].
	base map[identity.PeerId]float32
	// offset[of][from] is what peer `from` reported as its opinion of
	// `of`, on the same [0,1] scale as base trust (0.5 is neutral).
	offset map[identity.PeerId]map[identity.PeerId]float32
}

// NewLedger creates an empty ledger for a node identified by self. self's
// own id is never stored in base or offset — ChangeTrust on self is a
// no-op and BaseTrust(self) always returns DefaultTrust.
func NewLedger(self identity.PeerId) *Ledger {
	return &Ledger{
		self:   self,
		base:   make(map[identity.PeerId]float32),
		offset: make(map[identity.PeerId]map[identity.PeerId]float32),
	}
}

// BaseTrust returns this node's direct opinion of id, defaulting to
// DefaultTrust when absent.
func (l *Ledger) BaseTrust(id identity.PeerId) float32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseLocked(id)
}

func (l *Ledger) baseLocked(id identity.PeerId) float32 {
	if v, ok := l.base[id]; ok {
		return v
	}
	return DefaultTrust
}

// ChangeTrust adjusts base_trust[id] by delta, clamped to [0,1].
// Self-trust changes are no-ops — the invariant that the node never
// stores an opinion of itself is enforced here, not by callers.
func (l *Ledger) ChangeTrust(id identity.PeerId, delta float32) {
	if id == l.self {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.baseLocked(id) + delta
	if next > 1 {
		next = 1
	}
	if next < 0 {
		next = 0
	}
	l.base[id] = next
}

// AdjustOffset records that peer `from` asserts relative trust `level` in
// peer `of` (level on the same 0..1 scale as base trust; 0.5 is neutral).
// Reports involving self, as reporter or subject, are ignored.
func (l *Ledger) AdjustOffset(from, of identity.PeerId, level float32) {
	if from == l.self || of == l.self {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	trustors, ok := l.offset[of]
	if !ok {
		trustors = make(map[identity.PeerId]float32)
		l.offset[of] = trustors
	}
	trustors[from] = level
}

// offsetLocked sums each reporting peer's weighted opinion of `of`:
// base_trust(from) * (level - 0.5). Callers must hold at least l.mu.RLock.
func (l *Ledger) offsetLocked(of identity.PeerId) float32 {
	var total float32
	for from, level := range l.offset[of] {
		total += l.baseLocked(from) * (level - 0.5)
	}
	return total
}

// EffectiveTrust is base_trust(id) + the weighted sum of other peers'
// reported offsets for id.
func (l *Ledger) EffectiveTrust(id identity.PeerId) float32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseLocked(id) + l.offsetLocked(id)
}

// Classify buckets id's effective trust into trusted/neutral/distrusted.
func (l *Ledger) Classify(id identity.PeerId) Classification {
	score := l.EffectiveTrust(id)
	switch {
	case score >= TrustedLevel:
		return Trusted
	case score <= DistrustedLevel:
		return Distrusted
	default:
		return Neutral
	}
}

func (l *Ledger) IsTrusted(id identity.PeerId) bool {
	return l.Classify(id) == Trusted
}

func (l *Ledger) IsDistrusted(id identity.PeerId) bool {
	return l.Classify(id) == Distrusted
}

func (l *Ledger) IsNeutral(id identity.PeerId) bool {
	return l.Classify(id) == Neutral
}

// BaseTrustEntry is one row of the base-trust table, as reported in a
// GetTrust reply or the status endpoint.
type BaseTrustEntry struct {
	Of    identity.PeerId
	Trust float32
}

// BaseTrustTable snapshots every peer this node has formed a direct
// opinion of. The local node's own id is never a key here (see NewLedger).
func (l *Ledger) BaseTrustTable() []BaseTrustEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make([]BaseTrustEntry, 0, len(l.base))
	for id, v := range l.base {
		entries = append(entries, BaseTrustEntry{Of: id, Trust: v})
	}
	return entries
}
