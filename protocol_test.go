package snet

import (
	"bytes"
	"net"
	"testing"
)

// testNet is a fake clock shared by a pair of pipe sockets. Waiting on an
// idle socket advances the clock by the full timeout, so scenario tests run
// instantly and deterministically.
type testNet struct {
	clock uint32
}

func (tn *testNet) now() uint32 { return tn.clock }

type testDatagram struct {
	data []byte
	from *net.UDPAddr
}

// pipeSocket is an in-memory Socket delivering datagrams directly into its
// peer's queue. drop, when set, discards matching outgoing datagrams.
type pipeSocket struct {
	net   *testNet
	addr  *net.UDPAddr
	peer  *pipeSocket
	queue []testDatagram
	drop  func(data []byte) bool
}

func (s *pipeSocket) Send(addr *net.UDPAddr, buffers [][]byte) (int, error) {
	var data []byte
	for _, b := range buffers {
		data = append(data, b...)
	}

	if s.drop == nil || !s.drop(data) {
		s.peer.queue = append(s.peer.queue, testDatagram{data, s.addr})
	}

	return len(data), nil
}

func (s *pipeSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	if len(s.queue) == 0 {
		return 0, nil, nil
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return copy(buf, d.data), d.from, nil
}

func (s *pipeSocket) Wait(condition uint32, timeout uint32) (uint32, error) {
	if len(s.queue) > 0 {
		return WaitReceive, nil
	}
	s.net.clock += timeout
	return WaitNone, nil
}

func (s *pipeSocket) SetOption(option, value int) error { return nil }
func (s *pipeSocket) Addr() *net.UDPAddr                { return s.addr }
func (s *pipeSocket) Close() error                      { return nil }

func newPipePair(tn *testNet) (*pipeSocket, *pipeSocket) {
	a := &pipeSocket{net: tn, addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10001}}
	b := &pipeSocket{net: tn, addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10002}}
	a.peer = b
	b.peer = a
	return a, b
}

func newTestPair(t *testing.T) (*Host, *Host, *pipeSocket, *pipeSocket, *testNet) {
	t.Helper()

	tn := &testNet{clock: 1000}
	sa, sb := newPipePair(tn)

	a, err := NewHostWithSocket(sa, 8, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewHostWithSocket(sb, 8, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	a.clock = tn.now
	b.clock = tn.now

	return a, b, sa, sb, tn
}

// connectPair completes the handshake and returns the connected peers.
func connectPair(t *testing.T, a, b *Host, sb *pipeSocket) (*Peer, *Peer) {
	t.Helper()

	aPeer, err := a.Connect(sb.addr, 2, 42)
	if err != nil {
		t.Fatal(err)
	}

	var bPeer *Peer
	aConnected := false
	for i := 0; i < 50 && (!aConnected || bPeer == nil); i++ {
		if event, err := a.Service(10); err != nil {
			t.Fatal(err)
		} else if event.Type == EventConnect {
			aConnected = true
		}
		if event, err := b.Service(10); err != nil {
			t.Fatal(err)
		} else if event.Type == EventConnect {
			bPeer = event.Peer
			if event.Data != 42 {
				t.Fatalf("connect data = %d, want 42", event.Data)
			}
		}
	}

	if !aConnected || bPeer == nil {
		t.Fatal("handshake did not complete")
	}
	if aPeer.State() != StateConnected || bPeer.State() != StateConnected {
		t.Fatalf("states = %v, %v, want connected", aPeer.State(), bPeer.State())
	}

	return aPeer, bPeer
}

func TestConnectAndPing(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)

	aPeer, bPeer := connectPair(t, a, b, sb)

	// pings keep the link alive and measure RTT
	for i := 0; i < 20; i++ {
		a.Service(100)
		b.Service(100)
	}

	if aPeer.State() != StateConnected || bPeer.State() != StateConnected {
		t.Fatalf("states after pings = %v, %v", aPeer.State(), bPeer.State())
	}
	if aPeer.RoundTripTime() > defaultRoundTripTime {
		t.Fatalf("rtt = %d, want <= initial %d", aPeer.RoundTripTime(), uint32(defaultRoundTripTime))
	}
}

func TestReliableInOrder(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)

	payloads := [][]byte{{0x01}, {0x02, 0x03}, {0x04}}
	for _, payload := range payloads {
		if err := aPeer.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
			t.Fatal(err)
		}
	}

	var got [][]byte
	for i := 0; i < 50 && len(got) < len(payloads); i++ {
		a.Service(10)
		if event, _ := b.Service(10); event.Type == EventReceive {
			if event.ChannelID != 0 {
				t.Fatalf("channel = %d, want 0", event.ChannelID)
			}
			got = append(got, append([]byte(nil), event.Packet.Data...))
			event.Packet.Release()
		}
	}

	if len(got) != len(payloads) {
		t.Fatalf("received %d packets, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Fatalf("packet %d = %x, want %x", i, got[i], payloads[i])
		}
	}

	for i := 0; i < 10; i++ {
		a.Service(10)
		b.Service(10)
	}
	if !aPeer.outgoingReliableCommands.empty() || !aPeer.sentReliableCommands.empty() {
		t.Fatal("sender queues not drained")
	}
}

func TestFragmentation(t *testing.T) {
	tn := &testNet{clock: 1000}
	sa, sb := newPipePair(tn)

	a, _ := NewHostWithSocket(sa, 8, 0, 0, 0)
	b, _ := NewHostWithSocket(sb, 8, 0, 0, 0)
	a.clock = tn.now
	b.clock = tn.now

	if err := a.MTU(MinimumMTU); err != nil {
		t.Fatal(err)
	}
	a.ChecksumCRC32()
	b.ChecksumCRC32()

	aPeer, _ := connectPair(t, a, b, sb)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	if err := aPeer.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for i := 0; i < 100 && got == nil; i++ {
		a.Service(10)
		if event, _ := b.Service(10); event.Type == EventReceive {
			got = append([]byte(nil), event.Packet.Data...)
			event.Packet.Release()
		}
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %d bytes, mismatch with %d sent", len(got), len(payload))
	}

	for i := 0; i < 20; i++ {
		a.Service(10)
		b.Service(10)
	}
	if !aPeer.sentReliableCommands.empty() {
		t.Fatal("sent queue not drained after acks")
	}
	if aPeer.reliableDataInTransit != 0 {
		t.Fatalf("reliableDataInTransit = %d, want 0", aPeer.reliableDataInTransit)
	}
}

func TestUnreliableDroppedUnderThrottle(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)

	aPeer.packetThrottle = 0
	aPeer.packetThrottleLimit = 0
	aPeer.packetThrottleAcceleration = 0

	payload := make([]byte, 100)
	for i := 0; i < 10; i++ {
		if err := aPeer.Send(0, NewPacket(payload, 0)); err != nil {
			t.Fatal(err)
		}
	}
	a.Flush()

	received := 0
	for i := 0; i < 20; i++ {
		a.Service(10)
		if event, _ := b.Service(10); event.Type == EventReceive {
			received++
			event.Packet.Release()
		}
	}

	if received != 0 {
		t.Fatalf("received %d unreliable packets, want 0", received)
	}
}

func TestRetransmissionAfterLoss(t *testing.T) {
	a, b, sa, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)

	// quiesce so the next datagram is the reliable send
	for i := 0; i < 5; i++ {
		a.Service(10)
		b.Service(10)
	}

	dropped := 0
	sa.drop = func(data []byte) bool {
		if dropped == 0 {
			dropped++
			return true
		}
		return false
	}

	payload := []byte("retransmit me")
	if err := aPeer.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}
	a.Flush()

	if dropped != 1 {
		t.Fatal("first datagram was not dropped")
	}

	received := 0
	for i := 0; i < 100; i++ {
		a.Service(100)
		if event, _ := b.Service(100); event.Type == EventReceive {
			if !bytes.Equal(event.Packet.Data, payload) {
				t.Fatalf("payload = %q, want %q", event.Packet.Data, payload)
			}
			received++
			event.Packet.Release()
		}
	}

	if received != 1 {
		t.Fatalf("received %d copies, want exactly 1", received)
	}
}

func TestTimeoutDisconnection(t *testing.T) {
	a, b, sa, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)

	// silence the wire entirely
	sa.drop = func([]byte) bool { return true }
	sb.drop = func([]byte) bool { return true }

	disconnected := false
	for i := 0; i < 60 && !disconnected; i++ {
		event, err := a.Service(1000)
		if err != nil {
			t.Fatal(err)
		}
		if event.Type == EventDisconnect {
			if event.Peer != aPeer {
				t.Fatal("disconnect for wrong peer")
			}
			disconnected = true
		}
	}

	if !disconnected {
		t.Fatal("no disconnect within timeout maximum")
	}
	if aPeer.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", aPeer.State())
	}
}

func TestExactMTUFitIsNotFragmented(t *testing.T) {
	tn := &testNet{clock: 1000}
	sa, sb := newPipePair(tn)

	a, _ := NewHostWithSocket(sa, 8, 0, 0, 0)
	b, _ := NewHostWithSocket(sb, 8, 0, 0, 0)
	a.clock = tn.now
	b.clock = tn.now

	a.MTU(MinimumMTU)
	a.ChecksumCRC32()
	b.ChecksumCRC32()

	aPeer, _ := connectPair(t, a, b, sb)

	fragmentLength := int(aPeer.mtu) - protocolHeaderSize - commandSizes[cmdSendFragment] - checksumSize

	aPeer.Send(0, NewPacket(make([]byte, fragmentLength), PacketFlagReliable))
	if oc := aPeer.outgoingReliableCommands.front(); oc.command.header.command&cmdMask != cmdSendReliable {
		t.Fatalf("opcode = %d, want SEND_RELIABLE", oc.command.header.command&cmdMask)
	}
	if aPeer.outgoingReliableCommands.size() != 1 {
		t.Fatalf("queued %d commands, want 1", aPeer.outgoingReliableCommands.size())
	}

	aPeer.Send(0, NewPacket(make([]byte, fragmentLength+1), PacketFlagReliable))
	if aPeer.outgoingReliableCommands.size() != 3 {
		t.Fatalf("queued %d commands, want 1 + 2 fragments", aPeer.outgoingReliableCommands.size())
	}
	last := aPeer.outgoingReliableCommands.end().prev.value
	if last.command.header.command&cmdMask != cmdSendFragment {
		t.Fatalf("opcode = %d, want SEND_FRAGMENT", last.command.header.command&cmdMask)
	}
	if last.command.sendFragment.fragmentCount != 2 {
		t.Fatalf("fragmentCount = %d, want 2", last.command.sendFragment.fragmentCount)
	}
}

func TestUnreliableSequenceExhaustionUpgradesToReliable(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)
	_ = b

	aPeer.channels[0].outgoingUnreliableSequenceNumber = 0xFFFF

	aPeer.Send(0, NewPacket([]byte("upgraded"), 0))

	if aPeer.outgoingReliableCommands.empty() {
		t.Fatal("command not queued reliably")
	}
	oc := aPeer.outgoingReliableCommands.end().prev.value
	if oc.command.header.command&cmdMask != cmdSendReliable {
		t.Fatalf("opcode = %d, want SEND_RELIABLE", oc.command.header.command&cmdMask)
	}
	if oc.command.header.command&flagAcknowledge == 0 {
		t.Fatal("upgraded command is not ack-flagged")
	}
}

func TestReliableWindowWrapDefersCommand(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)
	_ = b

	// put the next send at a window boundary with in-flight windows ahead
	aPeer.channels[0].outgoingReliableSequenceNumber = reliableWindowSize - 1
	aPeer.channels[0].usedReliableWindows = 1 << 2
	aPeer.channels[0].reliableWindows[2] = 1

	aPeer.Send(0, NewPacket([]byte("deferred"), PacketFlagReliable))

	a.Flush()

	deferred := false
	for it := aPeer.outgoingReliableCommands.begin(); it != aPeer.outgoingReliableCommands.end(); it = it.next {
		if it.value.command.header.command&cmdMask == cmdSendReliable {
			deferred = true
		}
	}
	if !deferred {
		t.Fatal("command at wrapped window left the outgoing queue")
	}
	for it := aPeer.sentReliableCommands.begin(); it != aPeer.sentReliableCommands.end(); it = it.next {
		if it.value.command.header.command&cmdMask == cmdSendReliable {
			t.Fatal("command at wrapped window was sent")
		}
	}
}

func TestFragmentReassemblyOrderInsensitive(t *testing.T) {
	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
	}

	for _, perm := range permutations {
		a, b, _, sb, _ := newTestPair(t)
		aPeer, bPeer := connectPair(t, a, b, sb)
		_ = aPeer

		total := 4 * 100
		payload := make([]byte, total)
		for i := range payload {
			payload[i] = byte(i)
		}

		ch := &bPeer.channels[0]
		start := ch.incomingReliableSequenceNumber + 1

		for _, n := range perm {
			var command proto
			command.header.command = cmdSendFragment | flagAcknowledge
			command.header.channelID = 0
			command.header.reliableSequenceNumber = start
			command.sendFragment.startSequenceNumber = start
			command.sendFragment.dataLength = 100
			command.sendFragment.fragmentCount = 4
			command.sendFragment.fragmentNumber = uint32(n)
			command.sendFragment.totalLength = uint32(total)
			command.sendFragment.fragmentOffset = uint32(n * 100)

			if _, ok := b.handleSendFragment(bPeer, &command, payload[n*100:(n+1)*100]); !ok {
				t.Fatal("fragment rejected")
			}
		}

		packet, channelID, ok := bPeer.Receive()
		if !ok {
			t.Fatalf("permutation %v: no packet dispatched", perm)
		}
		if channelID != 0 || !bytes.Equal(packet.Data, payload) {
			t.Fatalf("permutation %v: wrong reassembly", perm)
		}
	}
}

func TestUnsequencedDuplicateWindow(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, bPeer := connectPair(t, a, b, sb)
	_ = aPeer

	send := func(group uint16) bool {
		var command proto
		command.header.command = cmdSendUnsequenced | flagUnsequenced
		command.header.channelID = 0
		command.sendUnsequenced.unsequencedGroup = group
		command.sendUnsequenced.dataLength = 3

		before := bPeer.dispatchedCommands.size()
		if _, ok := b.handleSendUnsequenced(bPeer, &command, []byte{1, 2, 3}); !ok {
			t.Fatal("unsequenced command failed")
		}
		return bPeer.dispatchedCommands.size() > before
	}

	if !send(1) {
		t.Fatal("first group not delivered")
	}
	if send(1) {
		t.Fatal("duplicate group delivered")
	}
	if !send(2) {
		t.Fatal("next group not delivered")
	}

	// a jump to a later band adopts a new window base and resets the bitmap
	if !send(2 + 5*unsequencedWindowSize) {
		t.Fatal("group in new band not delivered")
	}
	if send(2) {
		t.Fatal("stale group delivered after window moved")
	}
}

func TestFlowControlOverflowFailsCommand(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, bPeer := connectPair(t, a, b, sb)
	_ = aPeer

	b.maximumWaitingData = 8
	bPeer.totalWaitingData = 8

	var command proto
	command.header.command = cmdSendReliable | flagAcknowledge
	command.header.channelID = 0
	command.header.reliableSequenceNumber = bPeer.channels[0].incomingReliableSequenceNumber + 1
	command.sendReliable.dataLength = 4

	if _, ok := b.handleSendReliable(bPeer, &command, []byte{1, 2, 3, 4}); ok {
		t.Fatal("command accepted past waiting-data cap")
	}
}
