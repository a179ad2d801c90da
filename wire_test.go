package snet

import (
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, in *proto) *proto {
	t.Helper()

	var buf [64]byte
	n := in.marshal(buf[:])
	if n != in.size() {
		t.Fatalf("marshal wrote %d bytes, size() = %d", n, in.size())
	}

	var out proto
	if m := out.unmarshal(buf[:n]); m != n {
		t.Fatalf("unmarshal consumed %d bytes, want %d", m, n)
	}
	return &out
}

func TestCommandEncodeDecodeIdentity(t *testing.T) {
	commands := []proto{
		{
			header:      cmdHeader{cmdAcknowledge, 3, 0x1234},
			acknowledge: acknowledgeCmd{0x1234, 0xBEEF},
		},
		{
			header: cmdHeader{cmdConnect | flagAcknowledge, controlChannelID, 1},
			connect: connectCmd{
				outgoingPeerID:             7,
				incomingSessionID:          1,
				outgoingSessionID:          2,
				mtu:                        1400,
				windowSize:                 0x8000,
				channelCount:               2,
				incomingBandwidth:          50000,
				outgoingBandwidth:          60000,
				packetThrottleInterval:     5000,
				packetThrottleAcceleration: 2,
				packetThrottleDeceleration: 2,
				connectID:                  0xDEADBEEF,
				data:                       42,
			},
		},
		{
			header: cmdHeader{cmdVerifyConnect | flagAcknowledge, controlChannelID, 2},
			verifyConnect: verifyConnectCmd{
				outgoingPeerID: 9,
				mtu:            576,
				windowSize:     4096,
				channelCount:   255,
				connectID:      77,
			},
		},
		{
			header:     cmdHeader{cmdDisconnect | flagAcknowledge, controlChannelID, 3},
			disconnect: disconnectCmd{0xCAFE},
		},
		{
			header: cmdHeader{cmdPing | flagAcknowledge, controlChannelID, 4},
		},
		{
			header:       cmdHeader{cmdSendReliable | flagAcknowledge, 0, 5},
			sendReliable: sendReliableCmd{128},
		},
		{
			header:         cmdHeader{cmdSendUnreliable, 1, 5},
			sendUnreliable: sendUnreliableCmd{17, 99},
		},
		{
			header:          cmdHeader{cmdSendUnsequenced | flagUnsequenced, 2, 0},
			sendUnsequenced: sendUnsequencedCmd{1023, 12},
		},
		{
			header: cmdHeader{cmdSendFragment | flagAcknowledge, 0, 6},
			sendFragment: sendFragmentCmd{
				startSequenceNumber: 6,
				dataLength:          544,
				fragmentCount:       8,
				fragmentNumber:      3,
				totalLength:         4096,
				fragmentOffset:      1632,
			},
		},
		{
			header:         cmdHeader{cmdBandwidthLimit | flagAcknowledge, controlChannelID, 7},
			bandwidthLimit: bandwidthLimitCmd{1000, 2000},
		},
		{
			header:            cmdHeader{cmdThrottleConfigure | flagAcknowledge, controlChannelID, 8},
			throttleConfigure: throttleConfigureCmd{5000, 2, 2},
		},
		{
			header: cmdHeader{cmdSendUnreliableFragment, 0, 9},
			sendFragment: sendFragmentCmd{
				startSequenceNumber: 4,
				dataLength:          100,
				fragmentCount:       2,
				fragmentNumber:      1,
				totalLength:         200,
				fragmentOffset:      100,
			},
		},
	}

	for _, in := range commands {
		in := in
		out := roundTrip(t, &in)
		if !reflect.DeepEqual(&in, out) {
			t.Errorf("opcode %d: decode mismatch\n in: %+v\nout: %+v",
				in.header.command&cmdMask, in, *out)
		}
	}
}

func TestCommandSizes(t *testing.T) {
	want := map[uint8]int{
		cmdAcknowledge:            8,
		cmdConnect:                48,
		cmdVerifyConnect:          44,
		cmdDisconnect:             8,
		cmdPing:                   4,
		cmdSendReliable:           6,
		cmdSendUnreliable:         8,
		cmdSendFragment:           24,
		cmdSendUnsequenced:        8,
		cmdBandwidthLimit:         12,
		cmdThrottleConfigure:      16,
		cmdSendUnreliableFragment: 24,
	}

	for opcode, size := range want {
		if got := commandSize(opcode); got != size {
			t.Errorf("commandSize(%d) = %d, want %d", opcode, got, size)
		}
		if got := commandSize(opcode | flagAcknowledge | flagUnsequenced); got != size {
			t.Errorf("commandSize(%d with flags) = %d, want %d", opcode, got, size)
		}
	}
}

func TestUnmarshalRejectsUnknownOpcode(t *testing.T) {
	var p proto
	for _, opcode := range []uint8{cmdNone, 13, 14, 15} {
		data := []byte{opcode, 0, 0, 0, 0, 0, 0, 0}
		if n := p.unmarshal(data); n != 0 {
			t.Errorf("unmarshal accepted opcode %d", opcode)
		}
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	var in proto
	in.header.command = cmdConnect | flagAcknowledge
	in.header.channelID = controlChannelID

	var buf [64]byte
	n := in.marshal(buf[:])

	var out proto
	for cut := 0; cut < n; cut++ {
		if m := out.unmarshal(buf[:cut]); m != 0 {
			t.Errorf("unmarshal accepted %d of %d bytes", cut, n)
		}
	}
}
