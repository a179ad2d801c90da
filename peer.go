package snet

import (
	"errors"
	"net"
)

var (
	ErrNotConnected      = errors.New("peer is not connected")
	ErrChannelOutOfRange = errors.New("channel id out of range")
	ErrPacketTooLarge    = errors.New("packet exceeds maximum packet size")
	ErrTooManyFragments  = errors.New("packet exceeds maximum fragment count")
)

type channel struct {
	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16

	usedReliableWindows uint16
	reliableWindows     [reliableWindows]uint16

	incomingReliableSequenceNumber   uint16
	incomingUnreliableSequenceNumber uint16

	incomingReliableCommands   list[*incomingCommand]
	incomingUnreliableCommands list[*incomingCommand]
}

type acknowledgement struct {
	sentTime uint32
	command  proto
}

type outgoingCommand struct {
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	sentTime                 uint32
	roundTripTimeout         uint32
	roundTripTimeoutLimit    uint32
	fragmentOffset           uint32
	fragmentLength           uint16
	sendAttempts             uint16
	command                  proto
	packet                   *Packet
}

type incomingCommand struct {
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	command                  proto
	fragmentCount            uint32
	fragmentsRemaining       uint32
	fragments                []uint32 // arrival bitmap, one bit per fragment
	packet                   *Packet
}

// A Peer represents one connection multiplexed on a Host.
type Peer struct {
	host *Host

	// Data is free for application use.
	Data any

	state    PeerState
	address  *net.UDPAddr
	channels []channel

	incomingPeerID    uint16
	outgoingPeerID    uint16
	incomingSessionID uint8
	outgoingSessionID uint8
	connectID         uint32

	incomingBandwidth              uint32 // bytes/sec the remote end receives at
	outgoingBandwidth              uint32
	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidthThrottleEpoch uint32
	incomingDataTotal              uint32
	outgoingDataTotal              uint32

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32

	packetLossEpoch    uint32
	packetsSent        uint32
	packetsLost        uint32
	packetLoss         uint32 // mean loss ratio in units of 1/packetLossScale
	packetLossVariance uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleEpoch        uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32

	pingInterval   uint32
	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	roundTripTime                uint32
	roundTripTimeVariance        uint32
	lastRoundTripTime            uint32
	lowestRoundTripTime          uint32
	lastRoundTripTimeVariance    uint32
	highestRoundTripTimeVariance uint32

	mtu                            uint32
	windowSize                     uint32
	reliableDataInTransit          uint32
	outgoingReliableSequenceNumber uint16

	acknowledgements           list[*acknowledgement]
	sentReliableCommands       list[*outgoingCommand]
	sentUnreliableCommands     list[*outgoingCommand]
	outgoingReliableCommands   list[*outgoingCommand]
	outgoingUnreliableCommands list[*outgoingCommand]
	dispatchedCommands         list[*incomingCommand]

	needsDispatch bool
	dispatchNode  *node[*Peer]

	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16
	unsequencedWindow        [unsequencedWindows]uint32

	eventData        uint32
	totalWaitingData int
}

// State returns the connection state of the peer.
func (p *Peer) State() PeerState { return p.state }

// Address returns the remote address of the peer.
func (p *Peer) Address() *net.UDPAddr { return p.address }

// RoundTripTime returns the mean round trip time in milliseconds.
func (p *Peer) RoundTripTime() uint32 { return p.roundTripTime }

// PacketLoss returns the mean packet loss ratio in units of 1/65536.
func (p *Peer) PacketLoss() uint32 { return p.packetLoss }

// ChannelCount returns the number of channels negotiated for the peer.
func (p *Peer) ChannelCount() int { return len(p.channels) }

// ThrottleConfigure sets the throttle parameters for the peer and informs
// the remote end.
//
// Unreliable packets are dropped in response to the varying conditions of
// the connection. The throttle is the probability, as a ratio to
// throttleScale, that an unreliable packet is sent rather than dropped. The
// lowest mean RTT over interval milliseconds is the baseline: an RTT
// measurement well below it raises the throttle by acceleration, one well
// above it lowers the throttle by deceleration.
func (p *Peer) ThrottleConfigure(interval, acceleration, deceleration uint32) {
	p.packetThrottleInterval = interval
	p.packetThrottleAcceleration = acceleration
	p.packetThrottleDeceleration = deceleration

	var command proto
	command.header.command = cmdThrottleConfigure | flagAcknowledge
	command.header.channelID = controlChannelID
	command.throttleConfigure.packetThrottleInterval = interval
	command.throttleConfigure.packetThrottleAcceleration = acceleration
	command.throttleConfigure.packetThrottleDeceleration = deceleration

	p.queueOutgoingCommand(&command, nil, 0, 0)
}

func (p *Peer) throttle(rtt uint32) int {
	if p.lastRoundTripTime <= p.lastRoundTripTimeVariance {
		p.packetThrottle = p.packetThrottleLimit
	} else if rtt < p.lastRoundTripTime {
		p.packetThrottle += p.packetThrottleAcceleration
		if p.packetThrottle > p.packetThrottleLimit {
			p.packetThrottle = p.packetThrottleLimit
		}
		return 1
	} else if rtt > p.lastRoundTripTime+2*p.lastRoundTripTimeVariance {
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
		return -1
	}

	return 0
}

// Send queues a packet for delivery on the given channel. The packet is
// fragmented when it does not fit the connection MTU.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	if p.state != StateConnected {
		return ErrNotConnected
	}
	if int(channelID) >= len(p.channels) {
		return ErrChannelOutOfRange
	}
	if len(packet.Data) > p.host.maximumPacketSize {
		return ErrPacketTooLarge
	}

	ch := &p.channels[channelID]

	fragmentLength := int(p.mtu) - protocolHeaderSize - commandSizes[cmdSendFragment]
	if p.host.checksum != nil {
		fragmentLength -= checksumSize
	}

	if len(packet.Data) > fragmentLength {
		fragmentCount := (len(packet.Data) + fragmentLength - 1) / fragmentLength
		if fragmentCount > maxFragmentCount {
			return ErrTooManyFragments
		}

		var (
			commandNumber       uint8
			startSequenceNumber uint16
		)
		if packet.Flags&(PacketFlagReliable|PacketFlagUnreliableFragment) == PacketFlagUnreliableFragment &&
			ch.outgoingUnreliableSequenceNumber < 0xFFFF {
			commandNumber = cmdSendUnreliableFragment
			startSequenceNumber = ch.outgoingUnreliableSequenceNumber + 1
		} else {
			commandNumber = cmdSendFragment | flagAcknowledge
			startSequenceNumber = ch.outgoingReliableSequenceNumber + 1
		}

		var fragments list[*outgoingCommand]
		fragments.init()

		for fragmentNumber, fragmentOffset := 0, 0; fragmentOffset < len(packet.Data); fragmentNumber, fragmentOffset = fragmentNumber+1, fragmentOffset+fragmentLength {
			length := fragmentLength
			if len(packet.Data)-fragmentOffset < length {
				length = len(packet.Data) - fragmentOffset
			}

			fragment := &outgoingCommand{
				fragmentOffset: uint32(fragmentOffset),
				fragmentLength: uint16(length),
				packet:         packet,
			}
			fragment.command.header.command = commandNumber
			fragment.command.header.channelID = channelID
			fragment.command.sendFragment.startSequenceNumber = startSequenceNumber
			fragment.command.sendFragment.dataLength = uint16(length)
			fragment.command.sendFragment.fragmentCount = uint32(fragmentCount)
			fragment.command.sendFragment.fragmentNumber = uint32(fragmentNumber)
			fragment.command.sendFragment.totalLength = uint32(len(packet.Data))
			fragment.command.sendFragment.fragmentOffset = uint32(fragmentOffset)

			fragments.pushBack(fragment)
		}

		packet.referenceCount += fragmentCount

		for !fragments.empty() {
			fragment := remove(fragments.begin())
			p.setupOutgoingCommand(fragment)
		}

		return nil
	}

	var command proto
	command.header.channelID = channelID

	switch {
	case packet.Flags&(PacketFlagReliable|PacketFlagUnsequenced) == PacketFlagUnsequenced:
		command.header.command = cmdSendUnsequenced | flagUnsequenced
		command.sendUnsequenced.dataLength = uint16(len(packet.Data))

	case packet.Flags&PacketFlagReliable != 0 || ch.outgoingUnreliableSequenceNumber >= 0xFFFF:
		command.header.command = cmdSendReliable | flagAcknowledge
		command.sendReliable.dataLength = uint16(len(packet.Data))

	default:
		command.header.command = cmdSendUnreliable
		command.sendUnreliable.dataLength = uint16(len(packet.Data))
	}

	p.queueOutgoingCommand(&command, packet, 0, uint16(len(packet.Data)))

	return nil
}

// Receive dequeues the next incoming packet, returning the channel it
// arrived on. ok is false when no packet is waiting.
func (p *Peer) Receive() (packet *Packet, channelID uint8, ok bool) {
	if p.dispatchedCommands.empty() {
		return nil, 0, false
	}

	ic := remove(p.dispatchedCommands.begin())

	channelID = ic.command.header.channelID
	packet = ic.packet
	packet.referenceCount--

	p.totalWaitingData -= len(packet.Data)

	return packet, channelID, true
}

func resetOutgoingCommands(queue *list[*outgoingCommand]) {
	for !queue.empty() {
		oc := remove(queue.begin())

		if oc.packet != nil {
			oc.packet.referenceCount--
			if oc.packet.referenceCount == 0 {
				oc.packet.destroy()
			}
		}
	}
}

func resetIncomingCommands(queue *list[*incomingCommand]) {
	dropIncomingCommands(queue.begin(), queue.end())
}

// dropIncomingCommands unlinks and releases every command in [start, end).
func dropIncomingCommands(start, end *node[*incomingCommand]) {
	for current := start; current != end; {
		ic := current.value
		next := current.next
		remove(current)
		current = next

		if ic.packet != nil {
			ic.packet.referenceCount--
			if ic.packet.referenceCount == 0 {
				ic.packet.destroy()
			}
		}
	}
}

func (p *Peer) resetQueues() {
	if p.needsDispatch {
		remove(p.dispatchNode)
		p.dispatchNode = nil
		p.needsDispatch = false
	}

	for !p.acknowledgements.empty() {
		remove(p.acknowledgements.begin())
	}

	resetOutgoingCommands(&p.sentReliableCommands)
	resetOutgoingCommands(&p.sentUnreliableCommands)
	resetOutgoingCommands(&p.outgoingReliableCommands)
	resetOutgoingCommands(&p.outgoingUnreliableCommands)
	resetIncomingCommands(&p.dispatchedCommands)

	for i := range p.channels {
		resetIncomingCommands(&p.channels[i].incomingReliableCommands)
		resetIncomingCommands(&p.channels[i].incomingUnreliableCommands)
	}

	p.channels = nil
}

func (p *Peer) onConnect() {
	if p.state != StateConnected && p.state != StateDisconnectLater {
		if p.incomingBandwidth != 0 {
			p.host.bandwidthLimitedPeers++
		}
		p.host.connectedPeers++
	}
}

func (p *Peer) onDisconnect() {
	if p.state == StateConnected || p.state == StateDisconnectLater {
		if p.incomingBandwidth != 0 {
			p.host.bandwidthLimitedPeers--
		}
		p.host.connectedPeers--
	}
}

// Reset forcefully disconnects the peer. The remote end is not notified
// and will time out on its side.
func (p *Peer) Reset() { p.reset() }

func (p *Peer) reset() {
	p.onDisconnect()

	p.outgoingPeerID = MaximumPeerID
	p.connectID = 0

	p.state = StateDisconnected

	p.incomingBandwidth = 0
	p.outgoingBandwidth = 0
	p.incomingBandwidthThrottleEpoch = 0
	p.outgoingBandwidthThrottleEpoch = 0
	p.incomingDataTotal = 0
	p.outgoingDataTotal = 0
	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.packetLossEpoch = 0
	p.packetsSent = 0
	p.packetsLost = 0
	p.packetLoss = 0
	p.packetLossVariance = 0
	p.packetThrottle = defaultPacketThrottle
	p.packetThrottleLimit = throttleScale
	p.packetThrottleCounter = 0
	p.packetThrottleEpoch = 0
	p.packetThrottleAcceleration = throttleAcceleration
	p.packetThrottleDeceleration = throttleDeceleration
	p.packetThrottleInterval = throttleInterval
	p.pingInterval = defaultPingInterval
	p.timeoutLimit = defaultTimeoutLimit
	p.timeoutMinimum = defaultTimeoutMinimum
	p.timeoutMaximum = defaultTimeoutMaximum
	p.lastRoundTripTime = defaultRoundTripTime
	p.lowestRoundTripTime = defaultRoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
	p.roundTripTime = defaultRoundTripTime
	p.roundTripTimeVariance = 0
	p.mtu = p.host.mtu
	p.reliableDataInTransit = 0
	p.outgoingReliableSequenceNumber = 0
	p.windowSize = maxWindowSize
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	p.eventData = 0
	p.totalWaitingData = 0

	p.unsequencedWindow = [unsequencedWindows]uint32{}

	p.resetQueues()
}

// Ping queues a ping request. Pings are sent automatically at the ping
// interval; forcing one refreshes the round-trip-time estimate sooner.
func (p *Peer) Ping() {
	if p.state != StateConnected {
		return
	}

	var command proto
	command.header.command = cmdPing | flagAcknowledge
	command.header.channelID = controlChannelID

	p.queueOutgoingCommand(&command, nil, 0, 0)
}

// PingInterval sets the interval in milliseconds at which pings are sent to
// keep the connection alive and the throttle responsive. 0 restores the
// default.
func (p *Peer) PingInterval(interval uint32) {
	if interval == 0 {
		interval = defaultPingInterval
	}
	p.pingInterval = interval
}

// Timeout sets the three timeout parameters for the peer: the retry limit
// before the doubled retransmission timeout is considered exhausted, and
// the minimum and maximum total time in milliseconds without acknowledgement
// before the peer is disconnected. 0 restores a parameter's default.
func (p *Peer) Timeout(limit, minimum, maximum uint32) {
	if limit == 0 {
		limit = defaultTimeoutLimit
	}
	if minimum == 0 {
		minimum = defaultTimeoutMinimum
	}
	if maximum == 0 {
		maximum = defaultTimeoutMaximum
	}
	p.timeoutLimit = limit
	p.timeoutMinimum = minimum
	p.timeoutMaximum = maximum
}

// DisconnectNow disconnects immediately: a best-effort unsequenced
// DISCONNECT is flushed to the remote end and the peer is reset without
// generating an EventDisconnect.
func (p *Peer) DisconnectNow(data uint32) {
	if p.state == StateDisconnected {
		return
	}

	if p.state != StateZombie && p.state != StateDisconnecting {
		p.resetQueues()

		var command proto
		command.header.command = cmdDisconnect | flagUnsequenced
		command.header.channelID = controlChannelID
		command.disconnect.data = data

		p.queueOutgoingCommand(&command, nil, 0, 0)

		p.host.Flush()
	}

	p.reset()
}

// Disconnect requests a disconnection. An EventDisconnect is generated once
// the remote end acknowledges.
func (p *Peer) Disconnect(data uint32) {
	if p.state == StateDisconnecting ||
		p.state == StateDisconnected ||
		p.state == StateAcknowledgingDisconnect ||
		p.state == StateZombie {
		return
	}

	p.resetQueues()

	var command proto
	command.header.command = cmdDisconnect
	command.header.channelID = controlChannelID
	command.disconnect.data = data

	if p.state == StateConnected || p.state == StateDisconnectLater {
		command.header.command |= flagAcknowledge
	} else {
		command.header.command |= flagUnsequenced
	}

	p.queueOutgoingCommand(&command, nil, 0, 0)

	if p.state == StateConnected || p.state == StateDisconnectLater {
		p.onDisconnect()
		p.state = StateDisconnecting
	} else {
		p.host.Flush()
		p.reset()
	}
}

// DisconnectLater requests a disconnection once all queued outgoing packets
// have been sent and acknowledged.
func (p *Peer) DisconnectLater(data uint32) {
	if (p.state == StateConnected || p.state == StateDisconnectLater) &&
		!(p.outgoingReliableCommands.empty() &&
			p.outgoingUnreliableCommands.empty() &&
			p.sentReliableCommands.empty()) {
		p.state = StateDisconnectLater
		p.eventData = data
	} else {
		p.Disconnect(data)
	}
}

func (p *Peer) queueAcknowledgement(command *proto, sentTime uint16) *acknowledgement {
	if int(command.header.channelID) < len(p.channels) {
		ch := &p.channels[command.header.channelID]
		reliableWindow := command.header.reliableSequenceNumber / reliableWindowSize
		currentWindow := ch.incomingReliableSequenceNumber / reliableWindowSize

		if command.header.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
			reliableWindow += reliableWindows
		}

		if reliableWindow >= currentWindow+freeReliableWindows-1 && reliableWindow <= currentWindow+freeReliableWindows {
			return nil
		}
	}

	ack := &acknowledgement{
		sentTime: uint32(sentTime),
		command:  *command,
	}

	p.outgoingDataTotal += uint32(commandSizes[cmdAcknowledge])

	p.acknowledgements.pushBack(ack)

	return ack
}

func (p *Peer) setupOutgoingCommand(oc *outgoingCommand) {
	p.outgoingDataTotal += uint32(commandSize(oc.command.header.command)) + uint32(oc.fragmentLength)

	if oc.command.header.channelID == controlChannelID {
		p.outgoingReliableSequenceNumber++

		oc.reliableSequenceNumber = p.outgoingReliableSequenceNumber
		oc.unreliableSequenceNumber = 0
	} else {
		ch := &p.channels[oc.command.header.channelID]

		switch {
		case oc.command.header.command&flagAcknowledge != 0:
			ch.outgoingReliableSequenceNumber++
			ch.outgoingUnreliableSequenceNumber = 0

			oc.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
			oc.unreliableSequenceNumber = 0

		case oc.command.header.command&flagUnsequenced != 0:
			p.outgoingUnsequencedGroup++

			oc.reliableSequenceNumber = 0
			oc.unreliableSequenceNumber = 0

		default:
			if oc.fragmentOffset == 0 {
				ch.outgoingUnreliableSequenceNumber++
			}

			oc.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
			oc.unreliableSequenceNumber = ch.outgoingUnreliableSequenceNumber
		}
	}

	oc.sendAttempts = 0
	oc.sentTime = 0
	oc.roundTripTimeout = 0
	oc.roundTripTimeoutLimit = 0
	oc.command.header.reliableSequenceNumber = oc.reliableSequenceNumber

	switch oc.command.header.command & cmdMask {
	case cmdSendUnreliable:
		oc.command.sendUnreliable.unreliableSequenceNumber = oc.unreliableSequenceNumber

	case cmdSendUnsequenced:
		oc.command.sendUnsequenced.unsequencedGroup = p.outgoingUnsequencedGroup
	}

	if oc.command.header.command&flagAcknowledge != 0 {
		p.outgoingReliableCommands.pushBack(oc)
	} else {
		p.outgoingUnreliableCommands.pushBack(oc)
	}
}

func (p *Peer) queueOutgoingCommand(command *proto, packet *Packet, offset uint32, length uint16) *outgoingCommand {
	oc := &outgoingCommand{
		command:        *command,
		fragmentOffset: offset,
		fragmentLength: length,
		packet:         packet,
	}
	if packet != nil {
		packet.referenceCount++
	}

	p.setupOutgoingCommand(oc)

	return oc
}

func (p *Peer) enqueueDispatch() {
	if !p.needsDispatch {
		p.dispatchNode = p.host.dispatchQueue.pushBack(p)
		p.needsDispatch = true
	}
}

func (p *Peer) dispatchIncomingUnreliableCommands(ch *channel) {
	queue := &ch.incomingUnreliableCommands

	droppedCommand := queue.begin()
	startCommand := droppedCommand
	currentCommand := droppedCommand

	for ; currentCommand != queue.end(); currentCommand = currentCommand.next {
		ic := currentCommand.value

		if ic.command.header.command&cmdMask == cmdSendUnsequenced {
			continue
		}

		if ic.reliableSequenceNumber == ch.incomingReliableSequenceNumber {
			if ic.fragmentsRemaining == 0 {
				ch.incomingUnreliableSequenceNumber = ic.unreliableSequenceNumber
				continue
			}

			if startCommand != currentCommand {
				moveBefore(p.dispatchedCommands.end(), startCommand, currentCommand.prev)
				p.enqueueDispatch()

				droppedCommand = currentCommand
			} else if droppedCommand != currentCommand {
				droppedCommand = currentCommand.prev
			}
		} else {
			reliableWindow := ic.reliableSequenceNumber / reliableWindowSize
			currentWindow := ch.incomingReliableSequenceNumber / reliableWindowSize
			if ic.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
				reliableWindow += reliableWindows
			}
			if reliableWindow >= currentWindow && reliableWindow < currentWindow+freeReliableWindows-1 {
				break
			}

			droppedCommand = currentCommand.next

			if startCommand != currentCommand {
				moveBefore(p.dispatchedCommands.end(), startCommand, currentCommand.prev)
				p.enqueueDispatch()
			}
		}

		startCommand = currentCommand.next
	}

	if startCommand != currentCommand {
		moveBefore(p.dispatchedCommands.end(), startCommand, currentCommand.prev)
		p.enqueueDispatch()

		droppedCommand = currentCommand
	}

	dropIncomingCommands(queue.begin(), droppedCommand)
}

func (p *Peer) dispatchIncomingReliableCommands(ch *channel) {
	queue := &ch.incomingReliableCommands

	currentCommand := queue.begin()
	for ; currentCommand != queue.end(); currentCommand = currentCommand.next {
		ic := currentCommand.value

		if ic.fragmentsRemaining > 0 ||
			ic.reliableSequenceNumber != ch.incomingReliableSequenceNumber+1 {
			break
		}

		ch.incomingReliableSequenceNumber = ic.reliableSequenceNumber

		if ic.fragmentCount > 0 {
			ch.incomingReliableSequenceNumber += uint16(ic.fragmentCount) - 1
		}
	}

	if currentCommand == queue.begin() {
		return
	}

	ch.incomingUnreliableSequenceNumber = 0

	moveBefore(p.dispatchedCommands.end(), queue.begin(), currentCommand.prev)
	p.enqueueDispatch()

	if !ch.incomingUnreliableCommands.empty() {
		p.dispatchIncomingUnreliableCommands(ch)
	}
}

// queueResult reports how queueIncomingCommand disposed of a command.
type queueResult int

const (
	queueFailed queueResult = iota
	queueDiscarded
	queueAccepted
)

// queueIncomingCommand validates a received command against the channel's
// sequencing windows and, when accepted, inserts it in sorted position into
// the appropriate incoming queue and drives dispatch. Duplicates and
// out-of-generation commands are discarded silently; allocation and
// flow-control failures fail the command.
func (p *Peer) queueIncomingCommand(command *proto, data []byte, dataLength int, flags PacketFlags, fragmentCount uint32) (*incomingCommand, queueResult) {
	ch := &p.channels[command.header.channelID]

	discard := func() (*incomingCommand, queueResult) {
		if fragmentCount > 0 {
			return nil, queueFailed
		}
		return nil, queueDiscarded
	}

	if p.state == StateDisconnectLater {
		return discard()
	}

	var unreliableSequenceNumber uint32
	reliableSequenceNumber := uint32(0)

	if command.header.command&cmdMask != cmdSendUnsequenced {
		reliableSequenceNumber = uint32(command.header.reliableSequenceNumber)
		reliableWindow := uint16(reliableSequenceNumber) / reliableWindowSize
		currentWindow := ch.incomingReliableSequenceNumber / reliableWindowSize

		if uint16(reliableSequenceNumber) < ch.incomingReliableSequenceNumber {
			reliableWindow += reliableWindows
		}

		if reliableWindow < currentWindow || reliableWindow >= currentWindow+freeReliableWindows-1 {
			return discard()
		}
	}

	var insertPosition *node[*incomingCommand]

	switch command.header.command & cmdMask {
	case cmdSendFragment, cmdSendReliable:
		if uint16(reliableSequenceNumber) == ch.incomingReliableSequenceNumber {
			return discard()
		}

		queue := &ch.incomingReliableCommands
		current := queue.end().prev
		for ; current != queue.end(); current = current.prev {
			ic := current.value

			if uint16(reliableSequenceNumber) >= ch.incomingReliableSequenceNumber {
				if ic.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
					continue
				}
			} else if ic.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
				break
			}

			if uint32(ic.reliableSequenceNumber) <= reliableSequenceNumber {
				if uint32(ic.reliableSequenceNumber) < reliableSequenceNumber {
					break
				}
				return discard()
			}
		}
		insertPosition = current

	case cmdSendUnreliable, cmdSendUnreliableFragment:
		unreliableSequenceNumber = uint32(command.sendUnreliable.unreliableSequenceNumber)

		if uint16(reliableSequenceNumber) == ch.incomingReliableSequenceNumber &&
			uint16(unreliableSequenceNumber) <= ch.incomingUnreliableSequenceNumber {
			return discard()
		}

		queue := &ch.incomingUnreliableCommands
		current := queue.end().prev
		for ; current != queue.end(); current = current.prev {
			ic := current.value

			if ic.command.header.command&cmdMask == cmdSendUnsequenced {
				continue
			}

			if uint16(reliableSequenceNumber) >= ch.incomingReliableSequenceNumber {
				if ic.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
					continue
				}
			} else if ic.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
				break
			}

			if uint32(ic.reliableSequenceNumber) < reliableSequenceNumber {
				break
			}
			if uint32(ic.reliableSequenceNumber) > reliableSequenceNumber {
				continue
			}

			if uint32(ic.unreliableSequenceNumber) <= unreliableSequenceNumber {
				if uint32(ic.unreliableSequenceNumber) < unreliableSequenceNumber {
					break
				}
				return discard()
			}
		}
		insertPosition = current

	case cmdSendUnsequenced:
		insertPosition = ch.incomingUnreliableCommands.end().prev

	default:
		return discard()
	}

	if p.totalWaitingData >= p.host.maximumWaitingData {
		return nil, queueFailed
	}

	packet := NewPacket(data, flags)
	if data == nil {
		packet.Data = make([]byte, dataLength)
	}

	ic := &incomingCommand{
		reliableSequenceNumber:   command.header.reliableSequenceNumber,
		unreliableSequenceNumber: uint16(unreliableSequenceNumber),
		command:                  *command,
		fragmentCount:            fragmentCount,
		fragmentsRemaining:       fragmentCount,
		packet:                   packet,
	}

	if fragmentCount > 0 {
		if fragmentCount > maxFragmentCount {
			return nil, queueFailed
		}
		ic.fragments = make([]uint32, (fragmentCount+31)/32)
	}

	packet.referenceCount++
	p.totalWaitingData += len(packet.Data)

	insertBefore(insertPosition.next, ic)

	switch command.header.command & cmdMask {
	case cmdSendFragment, cmdSendReliable:
		p.dispatchIncomingReliableCommands(ch)

	default:
		p.dispatchIncomingUnreliableCommands(ch)
	}

	return ic, queueAccepted
}
