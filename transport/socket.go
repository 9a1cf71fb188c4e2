// Package transport adapts a UDP socket to the fixed-size, no-fragmentation
// datagram model the wire codec assumes: one Message per packet, bounded
// by wire.MaxFrameBytes.
package transport

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/blindxfish/meshkv/wire"
)

// recvBufferBytes is sized to wire.MaxFrameBytes; a datagram larger than
// this was never going to decode anyway.
const recvBufferBytes = wire.MaxFrameBytes

// Socket wraps a bound UDP connection.
type Socket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at bindAddr (host:port). A bind failure here
// is fatal to the caller — there is no retry policy at this layer.
func Listen(bindAddr string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", bindAddr, err)
	}
	return &Socket{conn: conn}, nil
}

// LocalAddr reports the address the socket is bound to.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Recv blocks for up to timeout for a single datagram, decodes it, and
// reports the sender's address. A read timeout, an oversized datagram, or
// a malformed payload all return ok=false with a nil error — only a
// genuine socket error (not timeout) is returned as err, matching the
// protocol's silent-drop policy for bad input.
func (s *Socket) Recv(timeout time.Duration) (from net.Addr, msg wire.Message, ok bool, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, wire.Message{}, false, fmt.Errorf("transport: set read deadline: %w", err)
	}

	buf := make([]byte, recvBufferBytes)
	n, addr, readErr := s.conn.ReadFromUDP(buf)
	if readErr != nil {
		if ne, isNetErr := readErr.(net.Error); isNetErr && ne.Timeout() {
			return nil, wire.Message{}, false, nil
		}
		return nil, wire.Message{}, false, fmt.Errorf("transport: read: %w", readErr)
	}

	decoded, ok := wire.Decode(buf[:n])
	if !ok {
		return addr, wire.Message{}, false, nil
	}
	return addr, decoded, true, nil
}

// SendTo implements peertable.Sender, delivering an already-encoded frame.
// A send failure is logged and swallowed — UDP offers no delivery
// guarantee and there is nothing useful to retry at this layer.
func (s *Socket) SendTo(addr net.Addr, data []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return fmt.Errorf("transport: resolve %s: %w", addr, err)
		}
		udpAddr = resolved
	}
	if _, err := s.conn.WriteToUDP(data, udpAddr); err != nil {
		log.Printf("transport: send to %s failed: %v", addr, err)
		return nil
	}
	return nil
}
