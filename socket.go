package snet

import (
	"errors"
	"net"
	"time"
)

// Socket wait conditions.
const (
	WaitNone      uint32 = 0
	WaitSend      uint32 = 1 << 0
	WaitReceive   uint32 = 1 << 1
	WaitInterrupt uint32 = 1 << 2
)

// Socket options accepted by SetOption.
const (
	SockOptNonblock = iota
	SockOptBroadcast
	SockOptRcvBuf
	SockOptSndBuf
	SockOptReuseAddr
	SockOptRcvTimeo
	SockOptSndTimeo
	SockOptNoDelay
)

// A Socket is the unreliable datagram endpoint a Host drives. Send and
// Receive never block: Send returns (0, nil) when the datagram cannot be
// queued right now, Receive returns (0, nil, nil) when no datagram is
// pending. Wait blocks for at most timeout milliseconds and reports which
// conditions hold.
type Socket interface {
	Send(addr *net.UDPAddr, buffers [][]byte) (int, error)
	Receive(buf []byte) (int, *net.UDPAddr, error)
	Wait(condition uint32, timeout uint32) (uint32, error)
	SetOption(option, value int) error
	Addr() *net.UDPAddr
	Close() error
}

// udpSocket adapts a *net.UDPConn to the Socket interface. Non-blocking
// reads are emulated with read deadlines; a datagram consumed by Wait is
// held for the next Receive.
type udpSocket struct {
	conn *net.UDPConn

	scratch [MaximumMTU]byte

	pending     []byte
	pendingBuf  [MaximumMTU]byte
	pendingAddr *net.UDPAddr
}

// newUDPSocket binds a UDP socket on addr, or on an ephemeral port when
// addr is nil.
func newUDPSocket(addr *net.UDPAddr) (*udpSocket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) Send(addr *net.UDPAddr, buffers [][]byte) (int, error) {
	data := s.scratch[:0]
	for _, buffer := range buffers {
		data = append(data, buffer...)
	}

	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

func (s *udpSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	if s.pending != nil {
		n := copy(buf, s.pending)
		addr := s.pendingAddr
		s.pending = nil
		s.pendingAddr = nil
		return n, addr, nil
	}

	// an expired deadline fails the read even when a datagram is queued,
	// so poll with the smallest one that still drains the socket
	s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, nil
		}
		return -1, nil, err
	}
	return n, addr, nil
}

func (s *udpSocket) Wait(condition uint32, timeout uint32) (uint32, error) {
	if condition&WaitReceive == 0 {
		if timeout > 0 {
			time.Sleep(time.Duration(timeout) * time.Millisecond)
		}
		return condition & WaitSend, nil
	}

	if s.pending != nil {
		return WaitReceive, nil
	}

	s.conn.SetReadDeadline(time.Now().Add(time.Duration(timeout) * time.Millisecond))
	n, addr, err := s.conn.ReadFromUDP(s.pendingBuf[:])
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return WaitNone, nil
		}
		return WaitNone, err
	}

	s.pending = s.pendingBuf[:n]
	s.pendingAddr = addr
	return WaitReceive, nil
}

func (s *udpSocket) SetOption(option, value int) error {
	switch option {
	case SockOptRcvBuf:
		return s.conn.SetReadBuffer(value)
	case SockOptSndBuf:
		return s.conn.SetWriteBuffer(value)
	case SockOptRcvTimeo:
		return s.conn.SetReadDeadline(time.Now().Add(time.Duration(value) * time.Millisecond))
	case SockOptSndTimeo:
		return s.conn.SetWriteDeadline(time.Now().Add(time.Duration(value) * time.Millisecond))
	}
	// NONBLOCK is implied by the adapter contract; the rest have no
	// portable equivalent on a Go UDP socket.
	return nil
}

func (s *udpSocket) Addr() *net.UDPAddr {
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func (s *udpSocket) Close() error { return s.conn.Close() }

func equalAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
