package snet

/*
Datagram layout (big endian, packed):

	peerID  uint16 // low 12 bits recipient peer ID, 2 session bits, 2 flag bits
	sentTime uint16 // only when the SENT_TIME header flag is set
	checksum uint32 // only when the host has a checksum installed
	command... // up to maxPacketCommands commands

Every command starts with a 4-byte header:

	command  uint8 // opcode in the low 4 bits, ACKNOWLEDGE/UNSEQUENCED flags high
	channelID uint8 // 0xFF for connection-control commands
	reliableSequenceNumber uint16

followed by opcode-specific fields. Unknown opcodes and commands truncated by
the end of the datagram abort parsing.
*/

type cmdHeader struct {
	command                uint8
	channelID              uint8
	reliableSequenceNumber uint16
}

type acknowledgeCmd struct {
	receivedReliableSequenceNumber uint16
	receivedSentTime               uint16
}

type connectCmd struct {
	outgoingPeerID             uint16
	incomingSessionID          uint8
	outgoingSessionID          uint8
	mtu                        uint32
	windowSize                 uint32
	channelCount               uint32
	incomingBandwidth          uint32
	outgoingBandwidth          uint32
	packetThrottleInterval     uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	connectID                  uint32
	data                       uint32
}

type verifyConnectCmd struct {
	outgoingPeerID             uint16
	incomingSessionID          uint8
	outgoingSessionID          uint8
	mtu                        uint32
	windowSize                 uint32
	channelCount               uint32
	incomingBandwidth          uint32
	outgoingBandwidth          uint32
	packetThrottleInterval     uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	connectID                  uint32
}

type disconnectCmd struct {
	data uint32
}

type sendReliableCmd struct {
	dataLength uint16
}

type sendUnreliableCmd struct {
	unreliableSequenceNumber uint16
	dataLength               uint16
}

type sendUnsequencedCmd struct {
	unsequencedGroup uint16
	dataLength       uint16
}

type sendFragmentCmd struct {
	startSequenceNumber uint16
	dataLength          uint16
	fragmentCount       uint32
	fragmentNumber      uint32
	totalLength         uint32
	fragmentOffset      uint32
}

type bandwidthLimitCmd struct {
	incomingBandwidth uint32
	outgoingBandwidth uint32
}

type throttleConfigureCmd struct {
	packetThrottleInterval     uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
}

// proto holds one decoded (or to-be-encoded) command. Only the field group
// selected by the opcode in header.command is meaningful, mirroring the
// packed union on the wire.
type proto struct {
	header            cmdHeader
	acknowledge       acknowledgeCmd
	connect           connectCmd
	verifyConnect     verifyConnectCmd
	disconnect        disconnectCmd
	sendReliable      sendReliableCmd
	sendUnreliable    sendUnreliableCmd
	sendUnsequenced   sendUnsequencedCmd
	sendFragment      sendFragmentCmd
	bandwidthLimit    bandwidthLimitCmd
	throttleConfigure throttleConfigureCmd
}

const cmdHeaderSize = 4

// commandSizes maps each opcode to its fixed wire size, header included.
// A zero entry marks an invalid opcode.
var commandSizes = [cmdCount]int{
	cmdNone:                   0,
	cmdAcknowledge:            cmdHeaderSize + 4,
	cmdConnect:                cmdHeaderSize + 44,
	cmdVerifyConnect:          cmdHeaderSize + 40,
	cmdDisconnect:             cmdHeaderSize + 4,
	cmdPing:                   cmdHeaderSize,
	cmdSendReliable:           cmdHeaderSize + 2,
	cmdSendUnreliable:         cmdHeaderSize + 4,
	cmdSendFragment:           cmdHeaderSize + 20,
	cmdSendUnsequenced:        cmdHeaderSize + 4,
	cmdBandwidthLimit:         cmdHeaderSize + 8,
	cmdThrottleConfigure:      cmdHeaderSize + 12,
	cmdSendUnreliableFragment: cmdHeaderSize + 20,
}

func commandSize(command uint8) int {
	return commandSizes[command&cmdMask]
}

func (p *proto) size() int { return commandSize(p.header.command) }

// marshal encodes the command into buf, which must hold at least size()
// bytes, and returns the number of bytes written.
func (p *proto) marshal(buf []byte) int {
	buf[0] = p.header.command
	buf[1] = p.header.channelID
	be.PutUint16(buf[2:], p.header.reliableSequenceNumber)

	b := buf[cmdHeaderSize:]

	switch p.header.command & cmdMask {
	case cmdAcknowledge:
		be.PutUint16(b[0:], p.acknowledge.receivedReliableSequenceNumber)
		be.PutUint16(b[2:], p.acknowledge.receivedSentTime)

	case cmdConnect:
		c := &p.connect
		be.PutUint16(b[0:], c.outgoingPeerID)
		b[2] = c.incomingSessionID
		b[3] = c.outgoingSessionID
		be.PutUint32(b[4:], c.mtu)
		be.PutUint32(b[8:], c.windowSize)
		be.PutUint32(b[12:], c.channelCount)
		be.PutUint32(b[16:], c.incomingBandwidth)
		be.PutUint32(b[20:], c.outgoingBandwidth)
		be.PutUint32(b[24:], c.packetThrottleInterval)
		be.PutUint32(b[28:], c.packetThrottleAcceleration)
		be.PutUint32(b[32:], c.packetThrottleDeceleration)
		be.PutUint32(b[36:], c.connectID)
		be.PutUint32(b[40:], c.data)

	case cmdVerifyConnect:
		c := &p.verifyConnect
		be.PutUint16(b[0:], c.outgoingPeerID)
		b[2] = c.incomingSessionID
		b[3] = c.outgoingSessionID
		be.PutUint32(b[4:], c.mtu)
		be.PutUint32(b[8:], c.windowSize)
		be.PutUint32(b[12:], c.channelCount)
		be.PutUint32(b[16:], c.incomingBandwidth)
		be.PutUint32(b[20:], c.outgoingBandwidth)
		be.PutUint32(b[24:], c.packetThrottleInterval)
		be.PutUint32(b[28:], c.packetThrottleAcceleration)
		be.PutUint32(b[32:], c.packetThrottleDeceleration)
		be.PutUint32(b[36:], c.connectID)

	case cmdDisconnect:
		be.PutUint32(b[0:], p.disconnect.data)

	case cmdPing:

	case cmdSendReliable:
		be.PutUint16(b[0:], p.sendReliable.dataLength)

	case cmdSendUnreliable:
		be.PutUint16(b[0:], p.sendUnreliable.unreliableSequenceNumber)
		be.PutUint16(b[2:], p.sendUnreliable.dataLength)

	case cmdSendUnsequenced:
		be.PutUint16(b[0:], p.sendUnsequenced.unsequencedGroup)
		be.PutUint16(b[2:], p.sendUnsequenced.dataLength)

	case cmdSendFragment, cmdSendUnreliableFragment:
		c := &p.sendFragment
		be.PutUint16(b[0:], c.startSequenceNumber)
		be.PutUint16(b[2:], c.dataLength)
		be.PutUint32(b[4:], c.fragmentCount)
		be.PutUint32(b[8:], c.fragmentNumber)
		be.PutUint32(b[12:], c.totalLength)
		be.PutUint32(b[16:], c.fragmentOffset)

	case cmdBandwidthLimit:
		be.PutUint32(b[0:], p.bandwidthLimit.incomingBandwidth)
		be.PutUint32(b[4:], p.bandwidthLimit.outgoingBandwidth)

	case cmdThrottleConfigure:
		be.PutUint32(b[0:], p.throttleConfigure.packetThrottleInterval)
		be.PutUint32(b[4:], p.throttleConfigure.packetThrottleAcceleration)
		be.PutUint32(b[8:], p.throttleConfigure.packetThrottleDeceleration)
	}

	return p.size()
}

// unmarshal decodes one command from the front of data. It returns the
// number of bytes consumed, or 0 if the opcode is unknown or data is
// truncated.
func (p *proto) unmarshal(data []byte) int {
	if len(data) < cmdHeaderSize {
		return 0
	}

	p.header.command = data[0]
	p.header.channelID = data[1]
	p.header.reliableSequenceNumber = be.Uint16(data[2:])

	number := p.header.command & cmdMask
	if number >= cmdCount {
		return 0
	}
	size := commandSizes[number]
	if size == 0 || len(data) < size {
		return 0
	}

	b := data[cmdHeaderSize:]

	switch number {
	case cmdAcknowledge:
		p.acknowledge.receivedReliableSequenceNumber = be.Uint16(b[0:])
		p.acknowledge.receivedSentTime = be.Uint16(b[2:])

	case cmdConnect:
		c := &p.connect
		c.outgoingPeerID = be.Uint16(b[0:])
		c.incomingSessionID = b[2]
		c.outgoingSessionID = b[3]
		c.mtu = be.Uint32(b[4:])
		c.windowSize = be.Uint32(b[8:])
		c.channelCount = be.Uint32(b[12:])
		c.incomingBandwidth = be.Uint32(b[16:])
		c.outgoingBandwidth = be.Uint32(b[20:])
		c.packetThrottleInterval = be.Uint32(b[24:])
		c.packetThrottleAcceleration = be.Uint32(b[28:])
		c.packetThrottleDeceleration = be.Uint32(b[32:])
		c.connectID = be.Uint32(b[36:])
		c.data = be.Uint32(b[40:])

	case cmdVerifyConnect:
		c := &p.verifyConnect
		c.outgoingPeerID = be.Uint16(b[0:])
		c.incomingSessionID = b[2]
		c.outgoingSessionID = b[3]
		c.mtu = be.Uint32(b[4:])
		c.windowSize = be.Uint32(b[8:])
		c.channelCount = be.Uint32(b[12:])
		c.incomingBandwidth = be.Uint32(b[16:])
		c.outgoingBandwidth = be.Uint32(b[20:])
		c.packetThrottleInterval = be.Uint32(b[24:])
		c.packetThrottleAcceleration = be.Uint32(b[28:])
		c.packetThrottleDeceleration = be.Uint32(b[32:])
		c.connectID = be.Uint32(b[36:])

	case cmdDisconnect:
		p.disconnect.data = be.Uint32(b[0:])

	case cmdPing:

	case cmdSendReliable:
		p.sendReliable.dataLength = be.Uint16(b[0:])

	case cmdSendUnreliable:
		p.sendUnreliable.unreliableSequenceNumber = be.Uint16(b[0:])
		p.sendUnreliable.dataLength = be.Uint16(b[2:])

	case cmdSendUnsequenced:
		p.sendUnsequenced.unsequencedGroup = be.Uint16(b[0:])
		p.sendUnsequenced.dataLength = be.Uint16(b[2:])

	case cmdSendFragment, cmdSendUnreliableFragment:
		c := &p.sendFragment
		c.startSequenceNumber = be.Uint16(b[0:])
		c.dataLength = be.Uint16(b[2:])
		c.fragmentCount = be.Uint32(b[4:])
		c.fragmentNumber = be.Uint32(b[8:])
		c.totalLength = be.Uint32(b[12:])
		c.fragmentOffset = be.Uint32(b[16:])

	case cmdBandwidthLimit:
		p.bandwidthLimit.incomingBandwidth = be.Uint32(b[0:])
		p.bandwidthLimit.outgoingBandwidth = be.Uint32(b[4:])

	case cmdThrottleConfigure:
		p.throttleConfigure.packetThrottleInterval = be.Uint32(b[0:])
		p.throttleConfigure.packetThrottleAcceleration = be.Uint32(b[4:])
		p.throttleConfigure.packetThrottleDeceleration = be.Uint32(b[8:])

	default:
		return 0
	}

	return size
}
