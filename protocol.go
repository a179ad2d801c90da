package snet

// The service loop. Each tick sends pending commands for every live peer,
// drains the socket, and dispatches at most one application event. All
// per-peer protocol state is owned by the goroutine driving the loop.

func (h *Host) changeState(peer *Peer, state PeerState) {
	if state == StateConnected || state == StateDisconnectLater {
		peer.onConnect()
	} else {
		peer.onDisconnect()
	}

	peer.state = state
}

func (h *Host) dispatchState(peer *Peer, state PeerState) {
	h.changeState(peer, state)

	peer.enqueueDispatch()
}

func (h *Host) dispatchIncomingCommands(event *Event) int {
	for !h.dispatchQueue.empty() {
		peer := remove(h.dispatchQueue.begin())
		peer.needsDispatch = false
		peer.dispatchNode = nil

		switch peer.state {
		case StateConnectionPending, StateConnectionSucceeded:
			h.changeState(peer, StateConnected)

			event.Type = EventConnect
			event.Peer = peer
			event.Data = peer.eventData

			return 1

		case StateZombie:
			h.recalculateBandwidthLimits = true

			event.Type = EventDisconnect
			event.Peer = peer
			event.Data = peer.eventData

			peer.reset()

			return 1

		case StateConnected:
			if peer.dispatchedCommands.empty() {
				continue
			}

			packet, channelID, ok := peer.Receive()
			if !ok {
				continue
			}

			event.Type = EventReceive
			event.Peer = peer
			event.ChannelID = channelID
			event.Packet = packet

			if !peer.dispatchedCommands.empty() {
				peer.enqueueDispatch()
			}

			return 1
		}
	}

	return 0
}

func (h *Host) notifyConnect(peer *Peer, event *Event) {
	h.recalculateBandwidthLimits = true

	if event != nil {
		h.changeState(peer, StateConnected)

		event.Type = EventConnect
		event.Peer = peer
		event.Data = peer.eventData
	} else {
		state := StateConnectionPending
		if peer.state == StateConnecting {
			state = StateConnectionSucceeded
		}
		h.dispatchState(peer, state)
	}
}

func (h *Host) notifyDisconnect(peer *Peer, event *Event) {
	if peer.state >= StateConnectionPending {
		h.recalculateBandwidthLimits = true
	}

	if peer.state != StateConnecting && peer.state < StateConnectionSucceeded {
		peer.reset()
	} else if event != nil {
		event.Type = EventDisconnect
		event.Peer = peer
		event.Data = 0

		peer.reset()
	} else {
		peer.eventData = 0

		h.dispatchState(peer, StateZombie)
	}
}

func (h *Host) removeSentUnreliableCommands(peer *Peer) {
	for !peer.sentUnreliableCommands.empty() {
		oc := remove(peer.sentUnreliableCommands.begin())

		if oc.packet != nil {
			oc.packet.referenceCount--

			if oc.packet.referenceCount == 0 {
				oc.packet.Flags |= PacketFlagSent
				oc.packet.destroy()
			}
		}
	}
}

func (h *Host) removeSentReliableCommand(peer *Peer, reliableSequenceNumber uint16, channelID uint8) uint8 {
	var (
		oc      *outgoingCommand
		current *node[*outgoingCommand]
	)
	wasSent := true

	for current = peer.sentReliableCommands.begin(); current != peer.sentReliableCommands.end(); current = current.next {
		oc = current.value
		if oc.reliableSequenceNumber == reliableSequenceNumber && oc.command.header.channelID == channelID {
			break
		}
	}

	if current == peer.sentReliableCommands.end() {
		// the command may not have hit the wire yet if the peer was
		// resynthesized mid-flight
		for current = peer.outgoingReliableCommands.begin(); current != peer.outgoingReliableCommands.end(); current = current.next {
			oc = current.value

			if oc.sendAttempts < 1 {
				return cmdNone
			}
			if oc.reliableSequenceNumber == reliableSequenceNumber && oc.command.header.channelID == channelID {
				break
			}
		}

		if current == peer.outgoingReliableCommands.end() {
			return cmdNone
		}

		wasSent = false
	}

	if oc == nil {
		return cmdNone
	}

	if int(channelID) < len(peer.channels) {
		ch := &peer.channels[channelID]
		reliableWindow := reliableSequenceNumber / reliableWindowSize
		if ch.reliableWindows[reliableWindow] > 0 {
			ch.reliableWindows[reliableWindow]--
			if ch.reliableWindows[reliableWindow] == 0 {
				ch.usedReliableWindows &^= 1 << reliableWindow
			}
		}
	}

	commandNumber := oc.command.header.command & cmdMask

	remove(current)

	if oc.packet != nil {
		if wasSent {
			peer.reliableDataInTransit -= uint32(oc.fragmentLength)
		}

		oc.packet.referenceCount--

		if oc.packet.referenceCount == 0 {
			oc.packet.Flags |= PacketFlagSent
			oc.packet.destroy()
		}
	}

	if peer.sentReliableCommands.empty() {
		return commandNumber
	}

	front := peer.sentReliableCommands.front()
	peer.nextTimeout = front.sentTime + front.roundTripTimeout

	return commandNumber
}

func (h *Host) handleConnect(command *proto) *Peer {
	channelCount := int(command.connect.channelCount)

	if channelCount < MinimumChannelCount || channelCount > MaximumChannelCount {
		return nil
	}

	var peer *Peer
	duplicatePeers := 0
	for i := range h.peers {
		currentPeer := &h.peers[i]
		if currentPeer.state == StateDisconnected {
			if peer == nil {
				peer = currentPeer
			}
		} else if currentPeer.state != StateConnecting &&
			currentPeer.address != nil &&
			currentPeer.address.IP.Equal(h.receivedAddress.IP) {
			if currentPeer.address.Port == h.receivedAddress.Port &&
				currentPeer.connectID == command.connect.connectID {
				return nil
			}
			duplicatePeers++
		}
	}

	if peer == nil || duplicatePeers >= h.duplicatePeers {
		return nil
	}

	if channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}
	peer.channels = make([]channel, channelCount)
	for i := range peer.channels {
		peer.channels[i].incomingReliableCommands.init()
		peer.channels[i].incomingUnreliableCommands.init()
	}
	peer.state = StateAcknowledgingConnect
	peer.connectID = command.connect.connectID
	peer.address = h.receivedAddress
	peer.outgoingPeerID = command.connect.outgoingPeerID
	peer.incomingBandwidth = command.connect.incomingBandwidth
	peer.outgoingBandwidth = command.connect.outgoingBandwidth
	peer.packetThrottleInterval = command.connect.packetThrottleInterval
	peer.packetThrottleAcceleration = command.connect.packetThrottleAcceleration
	peer.packetThrottleDeceleration = command.connect.packetThrottleDeceleration
	peer.eventData = command.connect.data

	const sessionMax = headerSessionMask >> headerSessionShift

	incomingSessionID := command.connect.incomingSessionID
	if incomingSessionID == 0xFF {
		incomingSessionID = peer.outgoingSessionID
	}
	incomingSessionID = (incomingSessionID + 1) & sessionMax
	if incomingSessionID == peer.outgoingSessionID {
		incomingSessionID = (incomingSessionID + 1) & sessionMax
	}
	peer.outgoingSessionID = incomingSessionID

	outgoingSessionID := command.connect.outgoingSessionID
	if outgoingSessionID == 0xFF {
		outgoingSessionID = peer.incomingSessionID
	}
	outgoingSessionID = (outgoingSessionID + 1) & sessionMax
	if outgoingSessionID == peer.incomingSessionID {
		outgoingSessionID = (outgoingSessionID + 1) & sessionMax
	}
	peer.incomingSessionID = outgoingSessionID

	mtu := command.connect.mtu
	if mtu < MinimumMTU {
		mtu = MinimumMTU
	} else if mtu > MaximumMTU {
		mtu = MaximumMTU
	}
	peer.mtu = mtu

	if h.outgoingBandwidth == 0 && peer.incomingBandwidth == 0 {
		peer.windowSize = maxWindowSize
	} else if h.outgoingBandwidth == 0 || peer.incomingBandwidth == 0 {
		peer.windowSize = (maxu32(h.outgoingBandwidth, peer.incomingBandwidth) / windowSizeScale) * minWindowSize
	} else {
		peer.windowSize = (minu32(h.outgoingBandwidth, peer.incomingBandwidth) / windowSizeScale) * minWindowSize
	}

	if peer.windowSize < minWindowSize {
		peer.windowSize = minWindowSize
	} else if peer.windowSize > maxWindowSize {
		peer.windowSize = maxWindowSize
	}

	var windowSize uint32
	if h.incomingBandwidth == 0 {
		windowSize = maxWindowSize
	} else {
		windowSize = (h.incomingBandwidth / windowSizeScale) * minWindowSize
	}

	if windowSize > command.connect.windowSize {
		windowSize = command.connect.windowSize
	}
	if windowSize < minWindowSize {
		windowSize = minWindowSize
	} else if windowSize > maxWindowSize {
		windowSize = maxWindowSize
	}

	var verifyCommand proto
	verifyCommand.header.command = cmdVerifyConnect | flagAcknowledge
	verifyCommand.header.channelID = controlChannelID
	verifyCommand.verifyConnect.outgoingPeerID = peer.incomingPeerID
	verifyCommand.verifyConnect.incomingSessionID = incomingSessionID
	verifyCommand.verifyConnect.outgoingSessionID = outgoingSessionID
	verifyCommand.verifyConnect.mtu = peer.mtu
	verifyCommand.verifyConnect.windowSize = windowSize
	verifyCommand.verifyConnect.channelCount = uint32(channelCount)
	verifyCommand.verifyConnect.incomingBandwidth = h.incomingBandwidth
	verifyCommand.verifyConnect.outgoingBandwidth = h.outgoingBandwidth
	verifyCommand.verifyConnect.packetThrottleInterval = peer.packetThrottleInterval
	verifyCommand.verifyConnect.packetThrottleAcceleration = peer.packetThrottleAcceleration
	verifyCommand.verifyConnect.packetThrottleDeceleration = peer.packetThrottleDeceleration
	verifyCommand.verifyConnect.connectID = peer.connectID

	peer.queueOutgoingCommand(&verifyCommand, nil, 0, 0)

	return peer
}

func (h *Host) handleSendReliable(peer *Peer, command *proto, data []byte) (int, bool) {
	if int(command.header.channelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return 0, false
	}

	dataLength := int(command.sendReliable.dataLength)
	if dataLength > h.maximumPacketSize || dataLength > len(data) {
		return 0, false
	}

	if _, result := peer.queueIncomingCommand(command, data[:dataLength], dataLength, PacketFlagReliable, 0); result == queueFailed {
		return 0, false
	}

	return dataLength, true
}

func (h *Host) handleSendUnsequenced(peer *Peer, command *proto, data []byte) (int, bool) {
	if int(command.header.channelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return 0, false
	}

	dataLength := int(command.sendUnsequenced.dataLength)
	if dataLength > h.maximumPacketSize || dataLength > len(data) {
		return 0, false
	}

	unsequencedGroup := uint32(command.sendUnsequenced.unsequencedGroup)
	index := unsequencedGroup % unsequencedWindowSize

	if unsequencedGroup < uint32(peer.incomingUnsequencedGroup) {
		unsequencedGroup += 0x10000
	}

	if unsequencedGroup >= uint32(peer.incomingUnsequencedGroup)+freeUnsequencedWindows*unsequencedWindowSize {
		return dataLength, true
	}

	unsequencedGroup &= 0xFFFF

	if unsequencedGroup-index != uint32(peer.incomingUnsequencedGroup) {
		peer.incomingUnsequencedGroup = uint16(unsequencedGroup - index)

		peer.unsequencedWindow = [unsequencedWindows]uint32{}
	} else if peer.unsequencedWindow[index/32]&(1<<(index%32)) != 0 {
		return dataLength, true
	}

	if _, result := peer.queueIncomingCommand(command, data[:dataLength], dataLength, PacketFlagUnsequenced, 0); result == queueFailed {
		return 0, false
	}

	peer.unsequencedWindow[index/32] |= 1 << (index % 32)

	return dataLength, true
}

func (h *Host) handleSendUnreliable(peer *Peer, command *proto, data []byte) (int, bool) {
	if int(command.header.channelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return 0, false
	}

	dataLength := int(command.sendUnreliable.dataLength)
	if dataLength > h.maximumPacketSize || dataLength > len(data) {
		return 0, false
	}

	if _, result := peer.queueIncomingCommand(command, data[:dataLength], dataLength, 0, 0); result == queueFailed {
		return 0, false
	}

	return dataLength, true
}

func (h *Host) handleSendFragment(peer *Peer, command *proto, data []byte) (int, bool) {
	if int(command.header.channelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return 0, false
	}

	fragmentLength := int(command.sendFragment.dataLength)
	if fragmentLength > h.maximumPacketSize || fragmentLength > len(data) {
		return 0, false
	}

	ch := &peer.channels[command.header.channelID]
	startSequenceNumber := command.sendFragment.startSequenceNumber

	startWindow := startSequenceNumber / reliableWindowSize
	currentWindow := ch.incomingReliableSequenceNumber / reliableWindowSize

	if startSequenceNumber < ch.incomingReliableSequenceNumber {
		startWindow += reliableWindows
	}

	if startWindow < currentWindow || startWindow >= currentWindow+freeReliableWindows-1 {
		return fragmentLength, true
	}

	fragmentNumber := command.sendFragment.fragmentNumber
	fragmentCount := command.sendFragment.fragmentCount
	fragmentOffset := command.sendFragment.fragmentOffset
	totalLength := command.sendFragment.totalLength

	if fragmentCount > maxFragmentCount ||
		fragmentNumber >= fragmentCount ||
		int(totalLength) > h.maximumPacketSize ||
		fragmentOffset >= totalLength ||
		uint32(fragmentLength) > totalLength-fragmentOffset {
		return 0, false
	}

	var startCommand *incomingCommand
	for current := ch.incomingReliableCommands.end().prev; current != ch.incomingReliableCommands.end(); current = current.prev {
		ic := current.value

		if startSequenceNumber >= ch.incomingReliableSequenceNumber {
			if ic.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
				continue
			}
		} else if ic.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
			break
		}

		if ic.reliableSequenceNumber <= startSequenceNumber {
			if ic.reliableSequenceNumber < startSequenceNumber {
				break
			}

			if ic.command.header.command&cmdMask != cmdSendFragment ||
				int(totalLength) != len(ic.packet.Data) ||
				fragmentCount != ic.fragmentCount {
				return 0, false
			}

			startCommand = ic
			break
		}
	}

	if startCommand == nil {
		hostCommand := *command
		hostCommand.header.reliableSequenceNumber = startSequenceNumber

		ic, result := peer.queueIncomingCommand(&hostCommand, nil, int(totalLength), PacketFlagReliable, fragmentCount)
		if result != queueAccepted {
			return 0, false
		}
		startCommand = ic
	}

	if startCommand.fragments[fragmentNumber/32]&(1<<(fragmentNumber%32)) == 0 {
		startCommand.fragmentsRemaining--

		startCommand.fragments[fragmentNumber/32] |= 1 << (fragmentNumber % 32)

		if int(fragmentOffset)+fragmentLength > len(startCommand.packet.Data) {
			fragmentLength = len(startCommand.packet.Data) - int(fragmentOffset)
		}

		copy(startCommand.packet.Data[fragmentOffset:], data[:fragmentLength])

		if startCommand.fragmentsRemaining == 0 {
			peer.dispatchIncomingReliableCommands(ch)
		}
	}

	return int(command.sendFragment.dataLength), true
}

func (h *Host) handleSendUnreliableFragment(peer *Peer, command *proto, data []byte) (int, bool) {
	if int(command.header.channelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return 0, false
	}

	fragmentLength := int(command.sendFragment.dataLength)
	if fragmentLength > h.maximumPacketSize || fragmentLength > len(data) {
		return 0, false
	}

	ch := &peer.channels[command.header.channelID]
	reliableSequenceNumber := command.header.reliableSequenceNumber
	startSequenceNumber := command.sendFragment.startSequenceNumber

	reliableWindow := reliableSequenceNumber / reliableWindowSize
	currentWindow := ch.incomingReliableSequenceNumber / reliableWindowSize

	if reliableSequenceNumber < ch.incomingReliableSequenceNumber {
		reliableWindow += reliableWindows
	}

	if reliableWindow < currentWindow || reliableWindow >= currentWindow+freeReliableWindows-1 {
		return fragmentLength, true
	}

	if reliableSequenceNumber == ch.incomingReliableSequenceNumber &&
		startSequenceNumber <= ch.incomingUnreliableSequenceNumber {
		return fragmentLength, true
	}

	fragmentNumber := command.sendFragment.fragmentNumber
	fragmentCount := command.sendFragment.fragmentCount
	fragmentOffset := command.sendFragment.fragmentOffset
	totalLength := command.sendFragment.totalLength

	if fragmentCount > maxFragmentCount ||
		fragmentNumber >= fragmentCount ||
		int(totalLength) > h.maximumPacketSize ||
		fragmentOffset >= totalLength ||
		uint32(fragmentLength) > totalLength-fragmentOffset {
		return 0, false
	}

	var startCommand *incomingCommand
	for current := ch.incomingUnreliableCommands.end().prev; current != ch.incomingUnreliableCommands.end(); current = current.prev {
		ic := current.value

		if reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
			if ic.reliableSequenceNumber < ch.incomingReliableSequenceNumber {
				continue
			}
		} else if ic.reliableSequenceNumber >= ch.incomingReliableSequenceNumber {
			break
		}

		if ic.reliableSequenceNumber < reliableSequenceNumber {
			break
		}
		if ic.reliableSequenceNumber > reliableSequenceNumber {
			continue
		}

		if ic.unreliableSequenceNumber <= startSequenceNumber {
			if ic.unreliableSequenceNumber < startSequenceNumber {
				break
			}

			if ic.command.header.command&cmdMask != cmdSendUnreliableFragment ||
				int(totalLength) != len(ic.packet.Data) ||
				fragmentCount != ic.fragmentCount {
				return 0, false
			}

			startCommand = ic
			break
		}
	}

	if startCommand == nil {
		ic, result := peer.queueIncomingCommand(command, nil, int(totalLength), PacketFlagUnreliableFragment, fragmentCount)
		if result != queueAccepted {
			return 0, false
		}
		startCommand = ic
	}

	if startCommand.fragments[fragmentNumber/32]&(1<<(fragmentNumber%32)) == 0 {
		startCommand.fragmentsRemaining--

		startCommand.fragments[fragmentNumber/32] |= 1 << (fragmentNumber % 32)

		if int(fragmentOffset)+fragmentLength > len(startCommand.packet.Data) {
			fragmentLength = len(startCommand.packet.Data) - int(fragmentOffset)
		}

		copy(startCommand.packet.Data[fragmentOffset:], data[:fragmentLength])

		if startCommand.fragmentsRemaining == 0 {
			peer.dispatchIncomingUnreliableCommands(ch)
		}
	}

	return int(command.sendFragment.dataLength), true
}

func (h *Host) handlePing(peer *Peer) bool {
	return peer.state == StateConnected || peer.state == StateDisconnectLater
}

func (h *Host) handleBandwidthLimit(peer *Peer, command *proto) bool {
	if peer.state != StateConnected && peer.state != StateDisconnectLater {
		return false
	}

	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers--
	}

	peer.incomingBandwidth = command.bandwidthLimit.incomingBandwidth
	peer.outgoingBandwidth = command.bandwidthLimit.outgoingBandwidth

	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers++
	}

	if peer.incomingBandwidth == 0 && h.outgoingBandwidth == 0 {
		peer.windowSize = maxWindowSize
	} else if peer.incomingBandwidth == 0 || h.outgoingBandwidth == 0 {
		peer.windowSize = (maxu32(peer.incomingBandwidth, h.outgoingBandwidth) / windowSizeScale) * minWindowSize
	} else {
		peer.windowSize = (minu32(peer.incomingBandwidth, h.outgoingBandwidth) / windowSizeScale) * minWindowSize
	}

	if peer.windowSize < minWindowSize {
		peer.windowSize = minWindowSize
	} else if peer.windowSize > maxWindowSize {
		peer.windowSize = maxWindowSize
	}

	return true
}

func (h *Host) handleThrottleConfigure(peer *Peer, command *proto) bool {
	if peer.state != StateConnected && peer.state != StateDisconnectLater {
		return false
	}

	peer.packetThrottleInterval = command.throttleConfigure.packetThrottleInterval
	peer.packetThrottleAcceleration = command.throttleConfigure.packetThrottleAcceleration
	peer.packetThrottleDeceleration = command.throttleConfigure.packetThrottleDeceleration

	return true
}

func (h *Host) handleDisconnect(peer *Peer, command *proto) {
	if peer.state == StateDisconnected || peer.state == StateZombie || peer.state == StateAcknowledgingDisconnect {
		return
	}

	peer.resetQueues()

	if peer.state == StateConnectionSucceeded || peer.state == StateDisconnecting || peer.state == StateConnecting {
		h.dispatchState(peer, StateZombie)
	} else if peer.state != StateConnected && peer.state != StateDisconnectLater {
		if peer.state == StateConnectionPending {
			h.recalculateBandwidthLimits = true
		}
		peer.reset()
	} else if command.header.command&flagAcknowledge != 0 {
		h.changeState(peer, StateAcknowledgingDisconnect)
	} else {
		h.dispatchState(peer, StateZombie)
	}

	if peer.state != StateDisconnected {
		peer.eventData = command.disconnect.data
	}
}

func (h *Host) handleAcknowledge(event *Event, peer *Peer, command *proto) bool {
	if peer.state == StateDisconnected || peer.state == StateZombie {
		return true
	}

	receivedSentTime := uint32(command.acknowledge.receivedSentTime)
	receivedSentTime |= h.serviceTime & 0xFFFF0000
	if (receivedSentTime & 0x8000) > (h.serviceTime & 0x8000) {
		receivedSentTime -= 0x10000
	}

	if timeLess(h.serviceTime, receivedSentTime) {
		return true
	}

	peer.lastReceiveTime = h.serviceTime
	peer.earliestTimeout = 0

	roundTripTime := timeDifference(h.serviceTime, receivedSentTime)

	peer.throttle(roundTripTime)

	peer.roundTripTimeVariance -= peer.roundTripTimeVariance / 4

	if roundTripTime >= peer.roundTripTime {
		peer.roundTripTime += (roundTripTime - peer.roundTripTime) / 8
		peer.roundTripTimeVariance += (roundTripTime - peer.roundTripTime) / 4
	} else {
		peer.roundTripTimeVariance += (peer.roundTripTime - roundTripTime) / 4
		peer.roundTripTime -= (peer.roundTripTime - roundTripTime) / 8
	}

	if peer.roundTripTime < peer.lowestRoundTripTime {
		peer.lowestRoundTripTime = peer.roundTripTime
	}
	if peer.roundTripTimeVariance > peer.highestRoundTripTimeVariance {
		peer.highestRoundTripTimeVariance = peer.roundTripTimeVariance
	}

	if peer.packetThrottleEpoch == 0 ||
		timeDifference(h.serviceTime, peer.packetThrottleEpoch) >= peer.packetThrottleInterval {
		peer.lastRoundTripTime = peer.lowestRoundTripTime
		peer.lastRoundTripTimeVariance = peer.highestRoundTripTimeVariance
		peer.lowestRoundTripTime = peer.roundTripTime
		peer.highestRoundTripTimeVariance = peer.roundTripTimeVariance
		peer.packetThrottleEpoch = h.serviceTime
	}

	receivedReliableSequenceNumber := command.acknowledge.receivedReliableSequenceNumber

	commandNumber := h.removeSentReliableCommand(peer, receivedReliableSequenceNumber, command.header.channelID)

	switch peer.state {
	case StateAcknowledgingConnect:
		if commandNumber != cmdVerifyConnect {
			return false
		}
		h.notifyConnect(peer, event)

	case StateDisconnecting:
		if commandNumber != cmdDisconnect {
			return false
		}
		h.notifyDisconnect(peer, event)

	case StateDisconnectLater:
		if peer.outgoingReliableCommands.empty() &&
			peer.outgoingUnreliableCommands.empty() &&
			peer.sentReliableCommands.empty() {
			peer.Disconnect(peer.eventData)
		}
	}

	return true
}

func (h *Host) handleVerifyConnect(event *Event, peer *Peer, command *proto) bool {
	if peer.state != StateConnecting {
		return true
	}

	channelCount := int(command.verifyConnect.channelCount)

	if channelCount < MinimumChannelCount || channelCount > MaximumChannelCount ||
		command.verifyConnect.packetThrottleInterval != peer.packetThrottleInterval ||
		command.verifyConnect.packetThrottleAcceleration != peer.packetThrottleAcceleration ||
		command.verifyConnect.packetThrottleDeceleration != peer.packetThrottleDeceleration ||
		command.verifyConnect.connectID != peer.connectID {
		peer.eventData = 0

		h.dispatchState(peer, StateZombie)

		return false
	}

	// the CONNECT is always the first control-channel command, so its
	// reliable sequence number is 1
	h.removeSentReliableCommand(peer, 1, controlChannelID)

	if channelCount < len(peer.channels) {
		peer.channels = peer.channels[:channelCount]
	}

	peer.outgoingPeerID = command.verifyConnect.outgoingPeerID
	peer.incomingSessionID = command.verifyConnect.incomingSessionID
	peer.outgoingSessionID = command.verifyConnect.outgoingSessionID

	mtu := command.verifyConnect.mtu
	if mtu < MinimumMTU {
		mtu = MinimumMTU
	} else if mtu > MaximumMTU {
		mtu = MaximumMTU
	}
	if mtu < peer.mtu {
		peer.mtu = mtu
	}

	windowSize := command.verifyConnect.windowSize
	if windowSize < minWindowSize {
		windowSize = minWindowSize
	}
	if windowSize > maxWindowSize {
		windowSize = maxWindowSize
	}
	if windowSize < peer.windowSize {
		peer.windowSize = windowSize
	}

	peer.incomingBandwidth = command.verifyConnect.incomingBandwidth
	peer.outgoingBandwidth = command.verifyConnect.outgoingBandwidth

	h.notifyConnect(peer, event)
	return true
}

// handleIncomingCommands parses the datagram in receivedData, dispatching
// every command to its handler. A malformed command aborts parsing of the
// remainder.
func (h *Host) handleIncomingCommands(event *Event) int {
	if len(h.receivedData) < headerSizeMinimum {
		return 0
	}

	peerID := be.Uint16(h.receivedData)
	sessionID := uint8((peerID & headerSessionMask) >> headerSessionShift)
	flags := peerID & headerFlagMask
	peerID &^= headerFlagMask | headerSessionMask

	headerSize := headerSizeMinimum
	if flags&headerFlagSentTime != 0 {
		headerSize = protocolHeaderSize
	}
	if h.checksum != nil {
		headerSize += checksumSize
	}

	var peer *Peer
	if peerID == MaximumPeerID {
		peer = nil
	} else if int(peerID) >= len(h.peers) {
		return 0
	} else {
		peer = &h.peers[peerID]

		if peer.state == StateDisconnected ||
			peer.state == StateZombie ||
			!equalAddr(peer.address, h.receivedAddress) ||
			(peer.outgoingPeerID < MaximumPeerID && sessionID != peer.incomingSessionID) {
			return 0
		}
	}

	if flags&headerFlagCompressed != 0 {
		if h.compressor == nil || len(h.receivedData) < headerSize {
			return 0
		}

		originalSize := h.compressor.Decompress(
			h.receivedData[headerSize:],
			h.packetData[1][headerSize:],
		)
		if originalSize <= 0 || originalSize > len(h.packetData[1])-headerSize {
			return 0
		}

		copy(h.packetData[1][:headerSize], h.receivedData[:headerSize])
		h.receivedData = h.packetData[1][:headerSize+originalSize]
	}

	if h.checksum != nil {
		if len(h.receivedData) < headerSize {
			return 0
		}

		checksumSlot := h.receivedData[headerSize-checksumSize : headerSize]
		desiredChecksum := be.Uint32(checksumSlot)

		var connectID uint32
		if peer != nil {
			connectID = peer.connectID
		}
		be.PutUint32(checksumSlot, connectID)

		if h.checksum([][]byte{h.receivedData}) != desiredChecksum {
			return 0
		}
	}

	if peer != nil {
		peer.address = h.receivedAddress
		peer.incomingDataTotal += uint32(len(h.receivedData))
	}

	currentData := headerSize

	for currentData < len(h.receivedData) {
		var command proto

		size := command.unmarshal(h.receivedData[currentData:])
		if size == 0 {
			break
		}
		commandNumber := command.header.command & cmdMask

		currentData += size

		if peer == nil && commandNumber != cmdConnect {
			break
		}

		payload := h.receivedData[currentData:]

		switch commandNumber {
		case cmdAcknowledge:
			if !h.handleAcknowledge(event, peer, &command) {
				goto commandError
			}

		case cmdConnect:
			if peer != nil {
				goto commandError
			}
			peer = h.handleConnect(&command)
			if peer == nil {
				goto commandError
			}

		case cmdVerifyConnect:
			if !h.handleVerifyConnect(event, peer, &command) {
				goto commandError
			}

		case cmdDisconnect:
			h.handleDisconnect(peer, &command)

		case cmdPing:
			if !h.handlePing(peer) {
				goto commandError
			}

		case cmdSendReliable:
			n, ok := h.handleSendReliable(peer, &command, payload)
			if !ok {
				goto commandError
			}
			currentData += n

		case cmdSendUnreliable:
			n, ok := h.handleSendUnreliable(peer, &command, payload)
			if !ok {
				goto commandError
			}
			currentData += n

		case cmdSendUnsequenced:
			n, ok := h.handleSendUnsequenced(peer, &command, payload)
			if !ok {
				goto commandError
			}
			currentData += n

		case cmdSendFragment:
			n, ok := h.handleSendFragment(peer, &command, payload)
			if !ok {
				goto commandError
			}
			currentData += n

		case cmdBandwidthLimit:
			if !h.handleBandwidthLimit(peer, &command) {
				goto commandError
			}

		case cmdThrottleConfigure:
			if !h.handleThrottleConfigure(peer, &command) {
				goto commandError
			}

		case cmdSendUnreliableFragment:
			n, ok := h.handleSendUnreliableFragment(peer, &command, payload)
			if !ok {
				goto commandError
			}
			currentData += n

		default:
			goto commandError
		}

		if peer != nil && command.header.command&flagAcknowledge != 0 {
			if flags&headerFlagSentTime == 0 {
				break
			}

			sentTime := be.Uint16(h.receivedData[2:4])

			switch peer.state {
			case StateDisconnecting, StateAcknowledgingConnect, StateDisconnected, StateZombie:

			case StateAcknowledgingDisconnect:
				if command.header.command&cmdMask == cmdDisconnect {
					peer.queueAcknowledgement(&command, sentTime)
				}

			default:
				peer.queueAcknowledgement(&command, sentTime)
			}
		}
	}

commandError:
	if event != nil && event.Type != EventNone {
		return 1
	}

	return 0
}

func (h *Host) receiveIncomingCommands(event *Event) (int, error) {
	for packets := 0; packets < 256; packets++ {
		receivedLength, addr, err := h.socket.Receive(h.packetData[0][:])
		if err != nil {
			return -1, err
		}
		if receivedLength == 0 {
			return 0, nil
		}

		h.receivedAddress = addr
		h.receivedData = h.packetData[0][:receivedLength]

		h.totalReceivedData += uint32(receivedLength)
		h.totalReceivedPackets++

		if h.intercept != nil {
			switch h.intercept(h, h.receivedAddress, h.receivedData, event) {
			case 1:
				if event != nil && event.Type != EventNone {
					return 1, nil
				}
				continue

			case -1:
				return -1, ErrInterceptAborted
			}
		}

		if h.handleIncomingCommands(event) == 1 {
			return 1, nil
		}
	}

	return -1, ErrReceiveOverrun
}

func (h *Host) sendAcknowledgements(peer *Peer) {
	current := peer.acknowledgements.begin()

	for current != peer.acknowledgements.end() {
		if h.commandCount >= maxPacketCommands ||
			h.bufferCount >= len(h.buffers) ||
			int(peer.mtu)-h.packetSize < commandSizes[cmdAcknowledge] {
			h.continueSending = true
			break
		}

		ack := current.value
		next := current.next

		var command proto
		command.header.command = cmdAcknowledge
		command.header.channelID = ack.command.header.channelID
		command.header.reliableSequenceNumber = ack.command.header.reliableSequenceNumber
		command.acknowledge.receivedReliableSequenceNumber = ack.command.header.reliableSequenceNumber
		command.acknowledge.receivedSentTime = uint16(ack.sentTime)

		buf := h.commandData[h.commandCount][:]
		n := command.marshal(buf)
		h.buffers[h.bufferCount] = buf[:n]
		h.bufferCount++
		h.commandCount++
		h.packetSize += n

		if ack.command.header.command&cmdMask == cmdDisconnect {
			h.dispatchState(peer, StateZombie)
		}

		remove(current)
		current = next
	}
}

func (h *Host) sendUnreliableOutgoingCommands(peer *Peer) {
	current := peer.outgoingUnreliableCommands.begin()

	for current != peer.outgoingUnreliableCommands.end() {
		node := current
		oc := node.value
		size := commandSize(oc.command.header.command)

		if h.commandCount >= maxPacketCommands ||
			h.bufferCount+1 >= len(h.buffers) ||
			int(peer.mtu)-h.packetSize < size ||
			(oc.packet != nil && int(peer.mtu)-h.packetSize < size+int(oc.fragmentLength)) {
			h.continueSending = true
			break
		}

		current = current.next

		if oc.packet != nil && oc.fragmentOffset == 0 {
			peer.packetThrottleCounter += throttleCounter
			peer.packetThrottleCounter %= throttleScale

			if peer.packetThrottleCounter > peer.packetThrottle {
				reliableSequenceNumber := oc.reliableSequenceNumber
				unreliableSequenceNumber := oc.unreliableSequenceNumber

				// drop the whole unreliable message, fragments included
				for {
					oc.packet.referenceCount--
					if oc.packet.referenceCount == 0 {
						oc.packet.destroy()
					}

					remove(node)

					if current == peer.outgoingUnreliableCommands.end() {
						break
					}

					node = current
					oc = node.value
					if oc.reliableSequenceNumber != reliableSequenceNumber ||
						oc.unreliableSequenceNumber != unreliableSequenceNumber {
						break
					}

					current = current.next
				}

				continue
			}
		}

		buf := h.commandData[h.commandCount][:]
		n := oc.command.marshal(buf)
		h.buffers[h.bufferCount] = buf[:n]
		h.bufferCount++
		h.commandCount++
		h.packetSize += n

		remove(node)

		if oc.packet != nil {
			h.buffers[h.bufferCount] = oc.packet.Data[oc.fragmentOffset : oc.fragmentOffset+uint32(oc.fragmentLength)]
			h.bufferCount++
			h.packetSize += int(oc.fragmentLength)

			peer.sentUnreliableCommands.pushBack(oc)
		}
	}

	if peer.state == StateDisconnectLater &&
		peer.outgoingReliableCommands.empty() &&
		peer.outgoingUnreliableCommands.empty() &&
		peer.sentReliableCommands.empty() {
		peer.Disconnect(peer.eventData)
	}
}

func (h *Host) checkTimeouts(peer *Peer, event *Event) bool {
	current := peer.sentReliableCommands.begin()
	insertPosition := peer.outgoingReliableCommands.begin()

	for current != peer.sentReliableCommands.end() {
		node := current
		oc := node.value
		current = current.next

		if timeDifference(h.serviceTime, oc.sentTime) < oc.roundTripTimeout {
			continue
		}

		if peer.earliestTimeout == 0 || timeLess(oc.sentTime, peer.earliestTimeout) {
			peer.earliestTimeout = oc.sentTime
		}

		if peer.earliestTimeout != 0 &&
			(timeDifference(h.serviceTime, peer.earliestTimeout) >= peer.timeoutMaximum ||
				(oc.roundTripTimeout >= oc.roundTripTimeoutLimit &&
					timeDifference(h.serviceTime, peer.earliestTimeout) >= peer.timeoutMinimum)) {
			h.notifyDisconnect(peer, event)
			return true
		}

		if oc.packet != nil {
			peer.reliableDataInTransit -= uint32(oc.fragmentLength)
		}

		peer.packetsLost++

		oc.roundTripTimeout *= 2

		remove(node)
		insertBefore(insertPosition, oc)

		if current == peer.sentReliableCommands.begin() && !peer.sentReliableCommands.empty() {
			peer.nextTimeout = current.value.sentTime + current.value.roundTripTimeout
		}
	}

	return false
}

func (h *Host) sendReliableOutgoingCommands(peer *Peer) bool {
	windowExceeded := false
	windowWrap := false
	canPing := true

	current := peer.outgoingReliableCommands.begin()

	for current != peer.outgoingReliableCommands.end() {
		oc := current.value

		var ch *channel
		if int(oc.command.header.channelID) < len(peer.channels) {
			ch = &peer.channels[oc.command.header.channelID]
		}
		reliableWindow := oc.reliableSequenceNumber / reliableWindowSize

		if ch != nil {
			if !windowWrap &&
				oc.sendAttempts < 1 &&
				oc.reliableSequenceNumber%reliableWindowSize == 0 &&
				(ch.reliableWindows[(reliableWindow+reliableWindows-1)%reliableWindows] >= reliableWindowSize ||
					ch.usedReliableWindows&(((1<<freeReliableWindows)-1)<<reliableWindow|
						((1<<freeReliableWindows)-1)>>(reliableWindows-reliableWindow)) != 0) {
				windowWrap = true
			}
			if windowWrap {
				current = current.next
				continue
			}
		}

		if oc.packet != nil {
			if !windowExceeded {
				windowSize := (peer.packetThrottle * peer.windowSize) / throttleScale

				if peer.reliableDataInTransit+uint32(oc.fragmentLength) > maxu32(windowSize, peer.mtu) {
					windowExceeded = true
				}
			}
			if windowExceeded {
				current = current.next
				continue
			}
		}

		canPing = false

		size := commandSize(oc.command.header.command)
		if h.commandCount >= maxPacketCommands ||
			h.bufferCount+1 >= len(h.buffers) ||
			int(peer.mtu)-h.packetSize < size ||
			(oc.packet != nil &&
				uint16(int(peer.mtu)-h.packetSize) < uint16(size+int(oc.fragmentLength))) {
			h.continueSending = true
			break
		}

		next := current.next

		if ch != nil && oc.sendAttempts < 1 {
			ch.usedReliableWindows |= 1 << reliableWindow
			ch.reliableWindows[reliableWindow]++
		}

		oc.sendAttempts++

		if oc.roundTripTimeout == 0 {
			oc.roundTripTimeout = peer.roundTripTime + 4*peer.roundTripTimeVariance
			oc.roundTripTimeoutLimit = peer.timeoutLimit * oc.roundTripTimeout
		}

		if peer.sentReliableCommands.empty() {
			peer.nextTimeout = h.serviceTime + oc.roundTripTimeout
		}

		remove(current)
		peer.sentReliableCommands.pushBack(oc)
		current = next

		oc.sentTime = h.serviceTime

		buf := h.commandData[h.commandCount][:]
		n := oc.command.marshal(buf)
		h.buffers[h.bufferCount] = buf[:n]
		h.bufferCount++
		h.commandCount++
		h.packetSize += n
		h.headerFlags |= headerFlagSentTime

		if oc.packet != nil {
			h.buffers[h.bufferCount] = oc.packet.Data[oc.fragmentOffset : oc.fragmentOffset+uint32(oc.fragmentLength)]
			h.bufferCount++
			h.packetSize += int(oc.fragmentLength)

			peer.reliableDataInTransit += uint32(oc.fragmentLength)
		}

		peer.packetsSent++
	}

	return canPing
}

func (h *Host) sendOutgoingCommands(event *Event, checkForTimeouts bool) (int, error) {
	h.continueSending = true

	for h.continueSending {
		h.continueSending = false
		for i := range h.peers {
			peer := &h.peers[i]

			if peer.state == StateDisconnected || peer.state == StateZombie {
				continue
			}

			h.headerFlags = 0
			h.commandCount = 0
			h.bufferCount = 1
			h.packetSize = protocolHeaderSize

			if !peer.acknowledgements.empty() {
				h.sendAcknowledgements(peer)
			}

			if checkForTimeouts &&
				!peer.sentReliableCommands.empty() &&
				timeGreaterEqual(h.serviceTime, peer.nextTimeout) &&
				h.checkTimeouts(peer, event) {
				if event != nil && event.Type != EventNone {
					return 1, nil
				}
				continue
			}

			if (peer.outgoingReliableCommands.empty() || h.sendReliableOutgoingCommands(peer)) &&
				peer.sentReliableCommands.empty() &&
				timeDifference(h.serviceTime, peer.lastReceiveTime) >= peer.pingInterval &&
				int(peer.mtu)-h.packetSize >= commandSizes[cmdPing] {
				peer.Ping()
				h.sendReliableOutgoingCommands(peer)
			}

			if !peer.outgoingUnreliableCommands.empty() {
				h.sendUnreliableOutgoingCommands(peer)
			}

			if h.commandCount == 0 {
				continue
			}

			if peer.packetLossEpoch == 0 {
				peer.packetLossEpoch = h.serviceTime
			} else if timeDifference(h.serviceTime, peer.packetLossEpoch) >= packetLossInterval &&
				peer.packetsSent > 0 {
				packetLoss := peer.packetsLost * packetLossScale / peer.packetsSent

				peer.packetLossVariance -= peer.packetLossVariance / 4

				if packetLoss >= peer.packetLoss {
					peer.packetLoss += (packetLoss - peer.packetLoss) / 8
					peer.packetLossVariance += (packetLoss - peer.packetLoss) / 4
				} else {
					peer.packetLoss -= (peer.packetLoss - packetLoss) / 8
					peer.packetLossVariance += (peer.packetLoss - packetLoss) / 4
				}

				peer.packetLossEpoch = h.serviceTime
				peer.packetsSent = 0
				peer.packetsLost = 0
			}

			if h.headerFlags&headerFlagSentTime != 0 {
				be.PutUint16(h.headerData[2:], uint16(h.serviceTime))
				h.buffers[0] = h.headerData[:protocolHeaderSize]
			} else {
				h.buffers[0] = h.headerData[:headerSizeMinimum]
			}

			shouldCompress := 0
			if h.compressor != nil {
				originalSize := h.packetSize - protocolHeaderSize
				compressedSize := h.compressor.Compress(
					h.buffers[1:h.bufferCount],
					originalSize,
					h.packetData[1][:originalSize],
				)
				if compressedSize > 0 && compressedSize < originalSize {
					h.headerFlags |= headerFlagCompressed
					shouldCompress = compressedSize
				}
			}

			if peer.outgoingPeerID < MaximumPeerID {
				h.headerFlags |= uint16(peer.outgoingSessionID) << headerSessionShift
			}
			be.PutUint16(h.headerData[:], peer.outgoingPeerID|h.headerFlags)

			if h.checksum != nil {
				headerLength := len(h.buffers[0])
				checksumSlot := h.headerData[headerLength : headerLength+checksumSize]

				var connectID uint32
				if peer.outgoingPeerID < MaximumPeerID {
					connectID = peer.connectID
				}
				be.PutUint32(checksumSlot, connectID)

				h.buffers[0] = h.headerData[:headerLength+checksumSize]

				be.PutUint32(checksumSlot, h.checksum(h.buffers[:h.bufferCount]))
			}

			if shouldCompress > 0 {
				h.buffers[1] = h.packetData[1][:shouldCompress]
				h.bufferCount = 2
			}

			peer.lastSendTime = h.serviceTime

			sentLength, err := h.socket.Send(peer.address, h.buffers[:h.bufferCount])

			h.removeSentUnreliableCommands(peer)

			if err != nil {
				return -1, err
			}

			h.totalSentData += uint32(sentLength)
			h.totalSentPackets++
		}
	}

	return 0, nil
}

// Flush sends any queued outgoing commands immediately without servicing
// the socket or checking timeouts.
func (h *Host) Flush() {
	h.serviceTime = h.clock()

	h.sendOutgoingCommands(nil, false)
}

// CheckEvents dispatches one queued event without doing any network work.
func (h *Host) CheckEvents() Event {
	var event Event
	h.dispatchIncomingCommands(&event)
	return event
}

// Service shuttles datagrams between the socket and the peers, waiting up
// to timeout milliseconds for work, and returns the first event that
// surfaces. The returned event has Type EventNone when the timeout elapsed
// quietly. A non-nil error means the socket failed, the intercept hook
// aborted, or more than 256 datagrams arrived in one tick (ErrReceiveOverrun);
// the host stays usable.
func (h *Host) Service(timeout uint32) (Event, error) {
	var event Event

	if h.dispatchIncomingCommands(&event) == 1 {
		return event, nil
	}

	h.serviceTime = h.clock()

	deadline := timeout + h.serviceTime

	for {
		if timeDifference(h.serviceTime, h.bandwidthThrottleEpoch) >= bandwidthThrottleInterval {
			h.bandwidthThrottle()
		}

		switch n, err := h.sendOutgoingCommands(&event, true); {
		case n == 1:
			return event, nil
		case err != nil:
			return event, err
		}

		switch n, err := h.receiveIncomingCommands(&event); {
		case n == 1:
			return event, nil
		case err != nil:
			return event, err
		}

		switch n, err := h.sendOutgoingCommands(&event, true); {
		case n == 1:
			return event, nil
		case err != nil:
			return event, err
		}

		if h.dispatchIncomingCommands(&event) == 1 {
			return event, nil
		}

		if timeGreaterEqual(h.serviceTime, deadline) {
			return event, nil
		}

		var waitCondition uint32
		for {
			h.serviceTime = h.clock()

			if timeGreaterEqual(h.serviceTime, deadline) {
				return event, nil
			}

			var err error
			waitCondition, err = h.socket.Wait(WaitReceive|WaitInterrupt, timeDifference(deadline, h.serviceTime))
			if err != nil {
				return event, err
			}

			if waitCondition&WaitInterrupt == 0 {
				break
			}
		}

		h.serviceTime = h.clock()

		if waitCondition&WaitReceive == 0 {
			return event, nil
		}
	}
}
