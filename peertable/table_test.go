package peertable

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/wire"
)

// fakeSender records every frame handed to it, keyed by the destination
// address, and decodes it back for assertions.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	addr net.Addr
	msg  wire.Message
}

func (f *fakeSender) SendTo(addr net.Addr, data []byte) error {
	msg, ok := wire.Decode(data)
	if !ok {
		panic("fakeSender: undecodable frame")
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{addr: addr, msg: msg})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) messagesTo(addr net.Addr, typ wire.Type) []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Message
	for _, s := range f.sent {
		if s.addr.String() == addr.String() && s.msg.Type == typ {
			out = append(out, s.msg)
		}
	}
	return out
}

func mustAddr(t *testing.T, s string) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %s: %v", s, err)
	}
	return addr
}

func TestSendBuffersUntilVerifiedThenFlushes(t *testing.T) {
	sender := &fakeSender{}
	self := identity.RandomPeerId()
	table := New(self, sender, true)
	peer := mustAddr(t, "127.0.0.1:9001")

	if err := table.Send(peer, wire.NewGet(self, "k", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := sender.messagesTo(peer, wire.TypeGet); len(got) != 0 {
		t.Fatalf("expected Get to be buffered, not sent, got %d", len(got))
	}
	verifies := sender.messagesTo(peer, wire.TypeVerify)
	if len(verifies) != 1 {
		t.Fatalf("expected exactly one Verify issued, got %d", len(verifies))
	}

	if err := table.HandleVerified(peer, verifies[0].Challenge, true); err != nil {
		t.Fatalf("handle verified: %v", err)
	}
	if !table.IsVerified(peer) {
		t.Fatal("expected peer to be verified after HandleVerified")
	}
	if got := sender.messagesTo(peer, wire.TypeGet); len(got) != 1 {
		t.Fatalf("expected buffered Get to flush after verification, got %d", len(got))
	}
}

func TestHandleVerifyRefusesOwnOutstandingChallenge(t *testing.T) {
	sender := &fakeSender{}
	self := identity.RandomPeerId()
	table := New(self, sender, true)
	peer := mustAddr(t, "127.0.0.1:9002")

	if err := table.RequestVerification(peer); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	outstanding := sender.messagesTo(peer, wire.TypeVerify)
	if len(outstanding) != 1 {
		t.Fatalf("expected one outstanding verify, got %d", len(outstanding))
	}

	if err := table.HandleVerify(peer, outstanding[0].Challenge); err != nil {
		t.Fatalf("handle verify: %v", err)
	}
	if got := sender.messagesTo(peer, wire.TypeVerified); len(got) != 0 {
		t.Fatalf("must not reply Verified to our own outstanding challenge, got %d replies", len(got))
	}
}

func TestHandleVerifyRepliesToForeignChallenge(t *testing.T) {
	sender := &fakeSender{}
	self := identity.RandomPeerId()
	table := New(self, sender, false)
	peer := mustAddr(t, "127.0.0.1:9003")

	if err := table.HandleVerify(peer, "some-challenge-we-never-issued"); err != nil {
		t.Fatalf("handle verify: %v", err)
	}
	got := sender.messagesTo(peer, wire.TypeVerified)
	if len(got) != 1 {
		t.Fatalf("expected one Verified reply, got %d", len(got))
	}
	if got[0].CanBeNeighbor {
		t.Errorf("expected CanBeNeighbor=false for an explorer-style table")
	}
}

func TestSendSeveralSuppressesDuplicateWithinWindow(t *testing.T) {
	sender := &fakeSender{}
	self := identity.RandomPeerId()
	table := New(self, sender, true)
	peer := mustAddr(t, "127.0.0.1:9004")

	if err := table.RequestVerification(peer); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	challenge := sender.messagesTo(peer, wire.TypeVerify)[0].Challenge
	if err := table.HandleVerified(peer, challenge, true); err != nil {
		t.Fatalf("handle verified: %v", err)
	}

	msg := wire.NewValues(self, nil)
	if err := table.SendSeveral(msg); err != nil {
		t.Fatalf("send several: %v", err)
	}
	if err := table.SendSeveral(msg); err != nil {
		t.Fatalf("send several (dup): %v", err)
	}

	got := sender.messagesTo(peer, wire.TypeValues)
	if len(got) != 1 {
		t.Fatalf("expected the duplicate broadcast to be suppressed, got %d deliveries", len(got))
	}
}

func TestUpkeepFlushesPendingForAlreadyVerifiedAddr(t *testing.T) {
	sender := &fakeSender{}
	self := identity.RandomPeerId()
	table := New(self, sender, true)
	peer := mustAddr(t, "127.0.0.1:9006")

	// Simulate a pending bucket surviving alongside a verified record for
	// the same address — the gap Upkeep's flush branch exists to close,
	// even though HandleVerified should already have flushed it in the
	// ordinary handshake path.
	table.mu.Lock()
	table.verified[peer.String()] = &peerRecord{addr: peer, verifiedAt: time.Now(), canBeNeighbor: true}
	table.pending[peer.String()] = []pendingMsg{{msg: wire.NewGet(self, "k", 1), bufferedAt: time.Now()}}
	table.mu.Unlock()

	if err := table.Upkeep(); err != nil {
		t.Fatalf("upkeep: %v", err)
	}

	if got := sender.messagesTo(peer, wire.TypeGet); len(got) != 1 {
		t.Fatalf("expected the pending Get to be flushed once its address was verified, got %d", len(got))
	}

	table.mu.Lock()
	_, stillPending := table.pending[peer.String()]
	table.mu.Unlock()
	if stillPending {
		t.Fatal("expected the pending bucket to be dropped once flushed")
	}
}

func TestIsVerifiedFalseForUnknownAddr(t *testing.T) {
	sender := &fakeSender{}
	self := identity.RandomPeerId()
	table := New(self, sender, true)
	peer := mustAddr(t, "127.0.0.1:9005")

	if table.IsVerified(peer) {
		t.Fatal("expected unknown address to be unverified")
	}
}
