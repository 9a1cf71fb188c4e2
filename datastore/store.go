// Package datastore holds the node's replicated key/value entries: a
// key -> sequence -> author -> value tree, entirely in memory. The
// protocol defines no persistence and no eviction for entries; a restart
// is a clean slate (see store.BoltDBStorage in the teacher repo for the
// on-disk shape this is deliberately NOT reproducing).
package datastore

import (
	"sort"
	"sync"

	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/wire"
)

// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	// data[key][seq][author] = value
	data map[string]map[wire.Seq]map[identity.PeerId]string
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]map[wire.Seq]map[identity.PeerId]string)}
}

// Insert writes entry into the tree. Overwriting the same (key, seq,
// author) triple with a different value is idempotent in the sense that
// it does not error — the last write for that exact triple wins, per the
// "at most one stored value" invariant.
func (s *Store) Insert(entry wire.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(entry)
}

func (s *Store) insertLocked(entry wire.Entry) {
	bySeq, ok := s.data[entry.Key]
	if !ok {
		bySeq = make(map[wire.Seq]map[identity.PeerId]string)
		s.data[entry.Key] = bySeq
	}
	byAuthor, ok := bySeq[entry.Seq]
	if !ok {
		byAuthor = make(map[identity.PeerId]string)
		bySeq[entry.Seq] = byAuthor
	}
	byAuthor[entry.Author] = entry.Value
}

// Ingest inserts every entry in entries.
func (s *Store) Ingest(entries []wire.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.insertLocked(entry)
	}
}

// Contains reports whether (entry.Key, entry.Seq, entry.Author) is already
// stored, regardless of value. This is the authoritative presence test
// used to stop gossip loops — it must not compare values.
func (s *Store) Contains(entry wire.Entry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySeq, ok := s.data[entry.Key]
	if !ok {
		return false
	}
	byAuthor, ok := bySeq[entry.Seq]
	if !ok {
		return false
	}
	_, ok = byAuthor[entry.Author]
	return ok
}

// Get returns up to count entries for key, walking sequence numbers
// descending and, within a sequence, authors in PeerId order. Emission
// stops as soon as count entries have been produced.
func (s *Store) Get(key string, count int) []wire.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeq, ok := s.data[key]
	if !ok || count <= 0 {
		return nil
	}

	seqs := make([]wire.Seq, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[j].Less(seqs[i]) })

	result := make([]wire.Entry, 0, count)
	for _, seq := range seqs {
		byAuthor := bySeq[seq]
		authors := make([]identity.PeerId, 0, len(byAuthor))
		for author := range byAuthor {
			authors = append(authors, author)
		}
		sort.Slice(authors, func(i, j int) bool { return authors[i].Less(authors[j]) })

		for _, author := range authors {
			result = append(result, wire.Entry{
				Author: author,
				Seq:    seq,
				Key:    key,
				Value:  byAuthor[author],
			})
			if len(result) == count {
				return result
			}
		}
	}
	return result
}

// NextSeq returns 1+max(existing seq for key), or 0 for a fresh key — the
// sequence a local Set for key should be assigned.
func (s *Store) NextSeq(key string) wire.Seq {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeq, ok := s.data[key]
	if !ok || len(bySeq) == 0 {
		return 0
	}
	var max wire.Seq
	first := true
	for seq := range bySeq {
		if first || max.Less(seq) {
			max = seq
			first = false
		}
	}
	return max + 1
}
