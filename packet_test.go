package snet

import (
	"bytes"
	"testing"
)

func TestNewPacketCopies(t *testing.T) {
	data := []byte{1, 2, 3}
	p := NewPacket(data, PacketFlagReliable)

	data[0] = 99
	if !bytes.Equal(p.Data, []byte{1, 2, 3}) {
		t.Fatalf("packet data = %v, caller's mutation leaked in", p.Data)
	}
}

func TestNewPacketNoAllocateAliases(t *testing.T) {
	data := []byte{1, 2, 3}
	p := NewPacket(data, PacketFlagNoAllocate)

	data[0] = 99
	if p.Data[0] != 99 {
		t.Fatal("no-allocate packet copied its data")
	}

	p.destroy()
	if p.Data == nil {
		t.Fatal("no-allocate packet released the caller's slice")
	}
}

func TestPacketFreeCallbackRunsOnce(t *testing.T) {
	calls := 0
	p := NewPacket([]byte{1}, 0)
	p.FreeCallback = func(*Packet) { calls++ }

	p.destroy()
	p.destroy()

	if calls != 1 {
		t.Fatalf("free callback ran %d times, want 1", calls)
	}
}

func TestPacketReferenceCountAcrossFragments(t *testing.T) {
	a, b, _, sb, _ := newTestPair(t)
	aPeer, _ := connectPair(t, a, b, sb)
	_ = b

	payload := make([]byte, 4000)
	p := NewPacket(payload, PacketFlagReliable)

	if err := aPeer.Send(0, p); err != nil {
		t.Fatal(err)
	}

	fragments := aPeer.outgoingReliableCommands.size()
	if fragments < 2 {
		t.Fatalf("expected fragmentation, got %d commands", fragments)
	}
	if p.referenceCount != fragments {
		t.Fatalf("referenceCount = %d, want one per fragment (%d)", p.referenceCount, fragments)
	}
}

func TestPacketResize(t *testing.T) {
	p := NewPacket([]byte{1, 2, 3, 4}, 0)

	p.resize(2)
	if !bytes.Equal(p.Data, []byte{1, 2}) {
		t.Fatalf("shrunk data = %v", p.Data)
	}

	p.resize(4)
	if len(p.Data) != 4 || p.Data[0] != 1 || p.Data[1] != 2 {
		t.Fatalf("grown data = %v", p.Data)
	}
}
