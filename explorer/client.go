// Package explorer implements the interactive client: it speaks just
// enough of the wire protocol to issue Get/Set/Link/Trust commands to a
// single connected node, answers Verify challenges (but is never itself a
// gossip target), and never stores or forwards entries.
//
// Unlike node's single cooperative loop, the client runs three worker
// goroutines (stdin reader, renderer, network reader) feeding a
// coordinator goroutine over bounded channels — the concurrency model the
// interactive, two-way (user input + network input) client needs and the
// node's event loop does not.
package explorer

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/peertable"
	"github.com/blindxfish/meshkv/transport"
	"github.com/blindxfish/meshkv/trust"
	"github.com/blindxfish/meshkv/wire"
)

// chanCapacity is the bound on every inter-goroutine channel the client
// uses, matching the resource bound the node's gossip fan-out also uses.
const chanCapacity = 10

// netEvent is one inbound datagram handed from the network reader to the
// coordinator.
type netEvent struct {
	from net.Addr
	msg  wire.Message
}

// Client is the coordinator's state. It is only ever touched from the
// coordinator goroutine — the three worker goroutines only ever write to
// their outbound channel.
type Client struct {
	id   identity.PeerId
	port uint16

	sock  *transport.Socket
	table *peertable.Table
	peer  net.Addr

	out    io.Writer
	lines  chan string
	events chan netEvent

	netStop chan struct{}
}

// New creates a client with a random default identity and no connection.
func New(out io.Writer) *Client {
	return &Client{
		id:     identity.RandomPeerId(),
		port:   1500,
		out:    out,
		lines:  make(chan string, chanCapacity),
		events: make(chan netEvent, chanCapacity),
	}
}

// Run reads newline-delimited commands from in until it is closed, EOF,
// or a "q"/"quit" command is read, rendering output to the client's
// writer as it goes.
func (c *Client) Run(in io.Reader) {
	cmds := make(chan string, chanCapacity)
	done := make(chan struct{})

	go c.stdinWorker(in, cmds)
	go c.rendererWorker(done)

	for {
		select {
		case line, ok := <-cmds:
			if !ok {
				close(c.lines)
				<-done
				return
			}
			if c.handleCommand(line) {
				close(c.lines)
				<-done
				return
			}
		case ev := <-c.events:
			c.handleNetEvent(ev)
		}
	}
}

func (c *Client) stdinWorker(in io.Reader, cmds chan<- string) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmds <- scanner.Text()
	}
	close(cmds)
}

func (c *Client) rendererWorker(done chan<- struct{}) {
	for line := range c.lines {
		fmt.Fprintln(c.out, line)
	}
	close(done)
}

func (c *Client) render(format string, args ...interface{}) {
	c.lines <- fmt.Sprintf(format, args...)
}

// handleCommand dispatches one line of input. It reports whether the
// client should shut down.
func (c *Client) handleCommand(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "q", "quit":
		return true
	case "id":
		c.cmdID(args)
	case "port":
		c.cmdPort(args)
	case "connect":
		c.cmdConnect(args)
	case "disconnect":
		c.cmdDisconnect(args)
	case "get":
		c.cmdGet(args)
	case "set":
		c.cmdSet(args)
	case "link":
		c.cmdLink(args)
	case "trust":
		c.cmdTrust(args)
	default:
		c.render("unknown command: %s", cmd)
	}
	return false
}

func (c *Client) cmdID(args []string) {
	if len(args) == 0 {
		c.render("current id is %s", c.id)
		return
	}
	parsed, err := identity.ParsePeerId(args[0])
	if err != nil {
		c.id = identity.Zero
		c.render("id reset to zero: %v", err)
		return
	}
	c.id = parsed
	c.render("id set to %s", c.id)
}

func (c *Client) cmdPort(args []string) {
	if len(args) == 0 {
		c.render("current port is %d", c.port)
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		c.render("port not changed")
		return
	}
	c.port = uint16(n)
	c.render("port set to %d", c.port)
}

func (c *Client) cmdConnect(args []string) {
	if len(args) == 0 {
		c.render("connect requires an address")
		return
	}
	c.teardown()

	sock, err := transport.Listen(fmt.Sprintf("0.0.0.0:%d", c.port))
	if err != nil {
		c.render("failed to connect: %v", err)
		return
	}
	peer, err := net.ResolveUDPAddr("udp", args[0])
	if err != nil {
		c.render("failed to resolve %s: %v", args[0], err)
		sock.Close()
		return
	}

	c.sock = sock
	c.peer = peer
	c.table = peertable.New(c.id, sock, false)
	c.netStop = make(chan struct{})
	go c.networkWorker(sock, c.netStop)
	c.render("connected to: %s", peer)
}

func (c *Client) cmdDisconnect(args []string) {
	c.teardown()
	c.render("disconnected")
}

func (c *Client) teardown() {
	if c.sock == nil {
		return
	}
	close(c.netStop)
	c.sock.Close()
	c.sock = nil
	c.peer = nil
	c.table = nil
}

func (c *Client) cmdGet(args []string) {
	if !c.requireConnected() {
		return
	}
	if len(args) == 0 {
		c.render("key required")
		return
	}
	count := 1
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			count = n
		}
	}
	if err := c.table.Send(c.peer, wire.NewGet(c.id, args[0], count)); err != nil {
		c.render("send failed: %v", err)
	}
}

func (c *Client) cmdSet(args []string) {
	if !c.requireConnected() {
		return
	}
	if len(args) == 0 {
		c.render("key required")
		return
	}
	value := strings.Join(args[1:], " ")
	if err := c.table.Send(c.peer, wire.NewSet(c.id, args[0], value)); err != nil {
		c.render("send failed: %v", err)
	}
}

func (c *Client) cmdLink(args []string) {
	if !c.requireConnected() {
		return
	}
	if len(args) == 0 {
		c.render("requires address to which to link")
		return
	}
	c.render("linking to %s", args[0])
	if err := c.table.Send(c.peer, wire.NewLink(c.id, args[0])); err != nil {
		c.render("send failed: %v", err)
	}
}

func (c *Client) cmdTrust(args []string) {
	if !c.requireConnected() {
		return
	}
	if len(args) < 2 {
		c.render("missing required id and trust change")
		return
	}
	of, err := identity.ParsePeerId(args[0])
	if err != nil {
		c.render("missing required id")
		return
	}
	delta, err := strconv.ParseInt(args[1], 10, 16)
	if err != nil {
		c.render("missing required change in trust")
		return
	}
	if err := c.table.Send(c.peer, wire.NewTrust(c.id, of, int16(delta))); err != nil {
		c.render("send failed: %v", err)
	}
}

func (c *Client) requireConnected() bool {
	if c.sock == nil {
		c.render("not connected")
		return false
	}
	return true
}

func (c *Client) networkWorker(sock *transport.Socket, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		from, msg, ok, err := sock.Recv(1 * time.Second)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		select {
		case c.events <- netEvent{from: from, msg: msg}:
		case <-stop:
			return
		}
	}
}

// handleNetEvent mirrors the Rust explorer's match over MessageType: it
// answers Verify, completes its own handshakes on Verified, renders Values
// and Trust replies, and silently ignores everything else — the explorer
// holds no trust ledger or data store of its own to act on
// Get/Set/Link/Neighbors/GetTrust.
func (c *Client) handleNetEvent(ev netEvent) {
	if c.table == nil {
		return
	}
	switch ev.msg.Type {
	case wire.TypeVerify:
		if err := c.table.HandleVerify(ev.from, ev.msg.Challenge); err != nil {
			log.Printf("explorer: handle verify: %v", err)
		}
	case wire.TypeVerified:
		// completes a handshake the explorer's own Send started, flushing
		// the command it buffered for the node.
		if err := c.table.HandleVerified(ev.from, ev.msg.Challenge, ev.msg.CanBeNeighbor); err != nil {
			log.Printf("explorer: handle verified: %v", err)
		}
	case wire.TypeValues:
		for _, entry := range ev.msg.Entries {
			c.render("got data: %s=%s", entry.Key, entry.Value)
		}
	case wire.TypeTrust:
		c.render("trust of %s: %.4f", ev.msg.Of, trust.DeltaToLevel(ev.msg.Delta))
	default:
		// Get, Set, Link, Neighbors, GetTrust: the explorer is never asked
		// these, and has no state to act on them with if it were.
	}
}
