package snet

import "testing"

func newThrottlePeer() *Peer {
	p := &Peer{
		packetThrottle:             16,
		packetThrottleLimit:        throttleScale,
		packetThrottleAcceleration: throttleAcceleration,
		packetThrottleDeceleration: throttleDeceleration,
		lastRoundTripTime:          100,
		lastRoundTripTimeVariance:  10,
	}
	return p
}

func TestThrottleAccelerates(t *testing.T) {
	p := newThrottlePeer()

	if got := p.throttle(50); got != 1 {
		t.Fatalf("throttle(50) = %d, want 1", got)
	}
	if p.packetThrottle != 16+throttleAcceleration {
		t.Fatalf("packetThrottle = %d, want %d", p.packetThrottle, 16+throttleAcceleration)
	}
}

func TestThrottleCapsAtLimit(t *testing.T) {
	p := newThrottlePeer()
	p.packetThrottle = throttleScale - 1
	p.packetThrottleAcceleration = 100

	p.throttle(50)
	if p.packetThrottle != p.packetThrottleLimit {
		t.Fatalf("packetThrottle = %d, want limit %d", p.packetThrottle, p.packetThrottleLimit)
	}
}

func TestThrottleDecelerates(t *testing.T) {
	p := newThrottlePeer()

	// above mean + 2 * variance
	if got := p.throttle(121); got != -1 {
		t.Fatalf("throttle(121) = %d, want -1", got)
	}
	if p.packetThrottle != 16-throttleDeceleration {
		t.Fatalf("packetThrottle = %d, want %d", p.packetThrottle, 16-throttleDeceleration)
	}

	p.packetThrottle = 1
	p.packetThrottleDeceleration = 100
	p.throttle(121)
	if p.packetThrottle != 0 {
		t.Fatalf("packetThrottle = %d, want floor 0", p.packetThrottle)
	}
}

func TestThrottleEqualRTTIsNoChange(t *testing.T) {
	p := newThrottlePeer()

	// rtt equal to the baseline falls through every branch untouched
	if got := p.throttle(100); got != 0 {
		t.Fatalf("throttle(100) = %d, want 0", got)
	}
	if p.packetThrottle != 16 {
		t.Fatalf("packetThrottle = %d, want unchanged 16", p.packetThrottle)
	}

	// in the dead zone between mean and mean + 2 * variance
	if got := p.throttle(110); got != 0 {
		t.Fatalf("throttle(110) = %d, want 0", got)
	}
}

func TestThrottleSnapsToLimitOnLowVariance(t *testing.T) {
	p := newThrottlePeer()
	p.lastRoundTripTime = 5
	p.lastRoundTripTimeVariance = 10

	p.throttle(1000)
	if p.packetThrottle != p.packetThrottleLimit {
		t.Fatalf("packetThrottle = %d, want limit %d", p.packetThrottle, p.packetThrottleLimit)
	}
}

func TestSetupOutgoingCommandSequencing(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)
	_ = b

	ch := &aPeer.channels[0]
	baseReliable := ch.outgoingReliableSequenceNumber

	// reliable sends bump the channel reliable counter and reset the
	// unreliable counter
	aPeer.Send(0, NewPacket([]byte{1}, PacketFlagReliable))
	if ch.outgoingReliableSequenceNumber != baseReliable+1 {
		t.Fatalf("reliable seq = %d, want %d", ch.outgoingReliableSequenceNumber, baseReliable+1)
	}
	if ch.outgoingUnreliableSequenceNumber != 0 {
		t.Fatal("unreliable seq not reset by reliable send")
	}

	// unreliable sends bump the unreliable counter and carry the current
	// reliable generation
	aPeer.Send(0, NewPacket([]byte{2}, 0))
	aPeer.Send(0, NewPacket([]byte{3}, 0))
	if ch.outgoingUnreliableSequenceNumber != 2 {
		t.Fatalf("unreliable seq = %d, want 2", ch.outgoingUnreliableSequenceNumber)
	}
	oc := aPeer.outgoingUnreliableCommands.end().prev.value
	if oc.reliableSequenceNumber != ch.outgoingReliableSequenceNumber {
		t.Fatal("unreliable command does not carry the reliable generation")
	}
	if oc.command.sendUnreliable.unreliableSequenceNumber != 2 {
		t.Fatalf("wire unreliable seq = %d, want 2", oc.command.sendUnreliable.unreliableSequenceNumber)
	}

	// unsequenced sends bump the peer-wide group counter
	baseGroup := aPeer.outgoingUnsequencedGroup
	aPeer.Send(0, NewPacket([]byte{4}, PacketFlagUnsequenced))
	if aPeer.outgoingUnsequencedGroup != baseGroup+1 {
		t.Fatalf("unsequenced group = %d, want %d", aPeer.outgoingUnsequencedGroup, baseGroup+1)
	}
}

func TestControlChannelUsesPeerWideCounter(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)
	_ = b

	base := aPeer.outgoingReliableSequenceNumber
	aPeer.Ping()

	oc := aPeer.outgoingReliableCommands.end().prev.value
	if oc.command.header.channelID != controlChannelID {
		t.Fatal("ping not on the control channel")
	}
	if oc.reliableSequenceNumber != base+1 {
		t.Fatalf("control seq = %d, want %d", oc.reliableSequenceNumber, base+1)
	}
}

func TestSendRejections(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)
	_ = b

	if err := aPeer.Send(7, NewPacket([]byte{1}, 0)); err != ErrChannelOutOfRange {
		t.Fatalf("bad channel: err = %v", err)
	}

	a.maximumPacketSize = 16
	if err := aPeer.Send(0, NewPacket(make([]byte, 17), 0)); err != ErrPacketTooLarge {
		t.Fatalf("oversized: err = %v", err)
	}
	a.maximumPacketSize = MaximumPacketSize

	aPeer.reset()
	if err := aPeer.Send(0, NewPacket([]byte{1}, 0)); err != ErrNotConnected {
		t.Fatalf("disconnected: err = %v", err)
	}
}

func TestDisconnectLaterDrainsFirst(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, bPeer := connectPair(t, a, b, sb)

	payload := []byte("last words")
	if err := aPeer.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}

	aPeer.DisconnectLater(7)
	if aPeer.State() != StateDisconnectLater {
		t.Fatalf("state = %v, want disconnect-later", aPeer.State())
	}

	gotPacket := false
	gotDisconnect := false
	remoteData := uint32(0)
	for i := 0; i < 60 && !(gotDisconnect && remoteData != 0); i++ {
		if event, _ := a.Service(10); event.Type == EventDisconnect {
			gotDisconnect = true
		}
		switch event, _ := b.Service(10); event.Type {
		case EventReceive:
			gotPacket = true
			event.Packet.Release()
		case EventDisconnect:
			remoteData = event.Data
		}
	}

	if remoteData != 7 {
		t.Fatalf("remote disconnect data = %d, want 7", remoteData)
	}

	if !gotPacket {
		t.Fatal("queued packet was not delivered before disconnect")
	}
	if !gotDisconnect {
		t.Fatal("no disconnect event surfaced")
	}
	if aPeer.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", aPeer.State())
	}
	_ = bPeer
}

func TestTotalWaitingDataReturnsToZero(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, bPeer := connectPair(t, a, b, sb)

	aPeer.Send(0, NewPacket(make([]byte, 500), PacketFlagReliable))

	var packet *Packet
	for i := 0; i < 50 && packet == nil; i++ {
		a.Service(10)
		if event, _ := b.Service(10); event.Type == EventReceive {
			packet = event.Packet
		}
	}
	if packet == nil {
		t.Fatal("packet not delivered")
	}

	if bPeer.totalWaitingData != 0 {
		t.Fatalf("totalWaitingData = %d after delivery, want 0", bPeer.totalWaitingData)
	}
	packet.Release()
}
