// Package node implements the single-threaded gossip node: bind a UDP
// socket, dispatch incoming frames, and run periodic upkeep — the event
// loop that owns every other component.
package node

import (
	"log"
	"net"
	"time"

	"github.com/blindxfish/meshkv/datastore"
	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/peertable"
	"github.com/blindxfish/meshkv/replication"
	"github.com/blindxfish/meshkv/transport"
	"github.com/blindxfish/meshkv/trust"
	"github.com/blindxfish/meshkv/wire"
)

// ReadTimeout bounds a single blocking recv so upkeep can run on schedule
// even when the socket is idle.
const ReadTimeout = 1 * time.Second

// UpkeepInterval is how often Node.upkeep runs.
const UpkeepInterval = 15 * time.Second

// Node is a running gossip node: a bound socket plus every in-memory
// table it dispatches against. The event loop is its only writer; all
// other readers (statusapi) take the tables' own read locks.
type Node struct {
	Identity *identity.Identity

	sock   *transport.Socket
	table  *peertable.Table
	ledger *trust.Ledger
	store  *datastore.Store
	engine *replication.Engine

	lastUpkeep time.Time
	stop       chan struct{}
}

// New binds a socket at bindAddr and wires up every component. id is the
// node's own identity; a fresh one should be generated by the caller if
// none is persisted.
func New(id *identity.Identity, bindAddr string) (*Node, error) {
	sock, err := transport.Listen(bindAddr)
	if err != nil {
		return nil, err
	}
	table := peertable.New(id.ID(), sock, true)
	ledger := trust.NewLedger(id.ID())
	store := datastore.New()
	engine := replication.New(id.ID(), store, ledger, table)

	return &Node{
		Identity: id,
		sock:     sock,
		table:    table,
		ledger:   ledger,
		store:    store,
		engine:   engine,
		stop:     make(chan struct{}),
	}, nil
}

// LocalAddr reports the address the node's socket is bound to.
func (n *Node) LocalAddr() net.Addr {
	return n.sock.LocalAddr()
}

// LocalAddrString is LocalAddr rendered as a string, for statusapi.
func (n *Node) LocalAddrString() string {
	return n.sock.LocalAddr().String()
}

// ID returns the node's own peer id, for statusapi.
func (n *Node) ID() identity.PeerId {
	return n.Identity.ID()
}

// Table, Ledger and Store expose the node's shared state for read-only
// consumers such as statusapi; the event loop remains the sole writer.
func (n *Node) Table() *peertable.Table { return n.table }
func (n *Node) Ledger() *trust.Ledger   { return n.ledger }
func (n *Node) Store() *datastore.Store { return n.store }

// Stop signals Run to return after its current iteration.
func (n *Node) Stop() {
	close(n.stop)
}

// Close releases the node's socket.
func (n *Node) Close() error {
	return n.sock.Close()
}

// Run is the node's event loop: listen, dispatch, upkeep, repeat. It
// blocks until Stop is called.
func (n *Node) Run() {
	n.lastUpkeep = time.Now()
	for {
		select {
		case <-n.stop:
			return
		default:
		}

		from, msg, ok, err := n.sock.Recv(ReadTimeout)
		if err != nil {
			log.Printf("node: recv error: %v", err)
		} else if ok {
			n.dispatch(from, msg)
		}

		if time.Since(n.lastUpkeep) >= UpkeepInterval {
			n.lastUpkeep = time.Now()
			n.upkeep()
		}
	}
}

// dispatch routes one decoded message. Distrusted senders are rejected
// before any other handling, except for the handshake messages themselves
// (Verify/Verified) — trust is evaluated by declared PeerId, and a peer
// cannot be classified at all without first completing a handshake.
func (n *Node) dispatch(from net.Addr, msg wire.Message) {
	if msg.Type != wire.TypeVerify && msg.Type != wire.TypeVerified && n.ledger.IsDistrusted(msg.From) {
		return
	}

	switch msg.Type {
	case wire.TypeVerify:
		if err := n.table.HandleVerify(from, msg.Challenge); err != nil {
			log.Printf("node: handle verify from %s: %v", from, err)
		}
	case wire.TypeVerified:
		if err := n.table.HandleVerified(from, msg.Challenge, msg.CanBeNeighbor); err != nil {
			log.Printf("node: handle verified from %s: %v", from, err)
		}
	case wire.TypeGet:
		if err := n.engine.HandleGet(from, msg.Key, msg.Count); err != nil {
			log.Printf("node: handle get from %s: %v", from, err)
		}
	case wire.TypeValues:
		if err := n.engine.HandleValues(msg.Entries); err != nil {
			log.Printf("node: handle values from %s: %v", from, err)
		}
	case wire.TypeSet:
		if msg.Entry == nil {
			return
		}
		if err := n.engine.HandleSet(msg.From, msg.Entry.Key, msg.Entry.Value); err != nil {
			log.Printf("node: handle set from %s: %v", from, err)
		}
	case wire.TypeLink:
		if err := n.engine.HandleLink(msg.From, msg.Addr); err != nil {
			log.Printf("node: handle link from %s: %v", from, err)
		}
	case wire.TypeNeighbors:
		if err := n.engine.HandleNeighbors(from, msg.Addrs); err != nil {
			log.Printf("node: handle neighbors from %s: %v", from, err)
		}
	case wire.TypeGetTrust:
		if err := n.engine.HandleGetTrust(from, msg.From); err != nil {
			log.Printf("node: handle get trust from %s: %v", from, err)
		}
	case wire.TypeTrust:
		n.engine.HandleTrust(msg.From, msg.Of, msg.Delta)
	default:
		log.Printf("node: unhandled message type %q from %s", msg.Type, from)
	}
}

// upkeep runs the peer table's periodic maintenance: evict expired
// verifications/pending/dedupe state and refresh neighbor gossip.
func (n *Node) upkeep() {
	if err := n.table.Upkeep(); err != nil {
		log.Printf("node: upkeep: %v", err)
	}
}
