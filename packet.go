package snet

// PacketFlags control how a Packet is delivered.
type PacketFlags uint32

const (
	// PacketFlagReliable requests retransmission until acknowledged.
	PacketFlagReliable PacketFlags = 1 << 0

	// PacketFlagUnsequenced disables sequencing; the packet may arrive out
	// of order relative to other packets on the channel. Ignored when
	// PacketFlagReliable is set.
	PacketFlagUnsequenced PacketFlags = 1 << 1

	// PacketFlagNoAllocate makes the packet reference the caller's byte
	// slice instead of copying it. The caller must not modify the slice
	// until the packet is released.
	PacketFlagNoAllocate PacketFlags = 1 << 2

	// PacketFlagUnreliableFragment sends an oversized packet as unreliable
	// fragments instead of upgrading it to reliable delivery.
	PacketFlagUnreliableFragment PacketFlags = 1 << 3

	// PacketFlagSent is set on a packet when the transport drops its last
	// reference after sending it, just before the packet is freed. Packets
	// discarded without being sent never get it.
	PacketFlagSent PacketFlags = 1 << 8
)

// A Packet is a payload buffer shared by reference count between the
// fragment commands that carry it and the application handle it is
// eventually delivered as.
type Packet struct {
	Flags PacketFlags
	Data  []byte

	// FreeCallback, if set, runs exactly once when the packet is released.
	FreeCallback func(*Packet)

	UserData any

	referenceCount int
}

// NewPacket creates a packet carrying data. Unless PacketFlagNoAllocate is
// set the data is copied.
func NewPacket(data []byte, flags PacketFlags) *Packet {
	p := &Packet{Flags: flags}

	if flags&PacketFlagNoAllocate != 0 {
		p.Data = data
	} else if len(data) > 0 {
		p.Data = make([]byte, len(data))
		copy(p.Data, data)
	}

	return p
}

// Release frees a packet the application owns: one it created but failed to
// send, or one obtained from an EventReceive or Peer.Receive once the
// payload is no longer needed. A packet handed to Send or Broadcast is owned
// by the transport again and must not be released.
func (p *Packet) Release() { p.destroy() }

func (p *Packet) destroy() {
	if p == nil {
		return
	}
	if p.FreeCallback != nil {
		cb := p.FreeCallback
		p.FreeCallback = nil
		cb(p)
	}
	if p.Flags&PacketFlagNoAllocate == 0 {
		p.Data = nil
	}
}

// resize grows or shrinks the packet payload, preserving its prefix.
func (p *Packet) resize(dataLength int) {
	if dataLength <= len(p.Data) || p.Flags&PacketFlagNoAllocate != 0 {
		p.Data = p.Data[:dataLength]
		return
	}

	data := make([]byte, dataLength)
	copy(data, p.Data)
	p.Data = data
}
