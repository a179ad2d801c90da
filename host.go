package snet

import (
	"errors"
	"net"
	"time"
)

var (
	ErrTooManyPeers     = errors.New("peer count exceeds maximum peer id")
	ErrNoPeerSlots      = errors.New("no available peer slots")
	ErrBadMTU           = errors.New("mtu out of range")
	ErrInterceptAborted = errors.New("intercept hook aborted service")
	ErrReceiveOverrun   = errors.New("too many datagrams in one service tick")
)

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// A ChecksumFunc computes a 32-bit checksum over a gather-list of buffers.
// Both ends of a connection must install the same function.
type ChecksumFunc func(buffers [][]byte) uint32

// An InterceptFunc examines raw datagrams before protocol parsing. Return 0
// to continue normal processing, 1 to consume the datagram (optionally
// filling event), or -1 to abort the service loop with an error.
type InterceptFunc func(host *Host, address *net.UDPAddr, data []byte, event *Event) int

// A Host owns a datagram socket and multiplexes up to MaximumPeerID peer
// connections over it. All methods must be called from a single goroutine.
type Host struct {
	socket  Socket
	address *net.UDPAddr

	peers        []Peer
	channelLimit int

	incomingBandwidth uint32 // bytes/sec, 0 = unlimited
	outgoingBandwidth uint32

	bandwidthThrottleEpoch     uint32
	recalculateBandwidthLimits bool

	mtu        uint32
	randomSeed uint32

	serviceTime uint32
	clock       func() uint32

	dispatchQueue list[*Peer]

	continueSending bool
	packetSize      int
	headerFlags     uint16
	commandCount    int
	bufferCount     int

	// scratch for one outgoing datagram: buffers[0] is the header,
	// then alternating serialized commands and payload slices
	commandData [maxPacketCommands][64]byte
	buffers     [1 + 2*maxPacketCommands][]byte
	headerData  [protocolHeaderSize + checksumSize]byte

	packetData      [2][MaximumMTU]byte
	receivedAddress *net.UDPAddr
	receivedData    []byte

	checksum   ChecksumFunc
	compressor Compressor
	intercept  InterceptFunc

	maximumPacketSize  int
	maximumWaitingData int
	duplicatePeers     int

	connectedPeers       int
	bandwidthLimitedPeers int

	totalSentData       uint32
	totalSentPackets    uint32
	totalReceivedData   uint32
	totalReceivedPackets uint32
}

// NewHost creates a host bound to address, or to an ephemeral port when
// address is nil (a client-only host). peerCount bounds the number of
// simultaneous connections, channelLimit the channels per connection
// (0 means MaximumChannelCount), and the bandwidth parameters are in
// bytes/second with 0 meaning unlimited.
func NewHost(address *net.UDPAddr, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) (*Host, error) {
	if peerCount > MaximumPeerID {
		return nil, ErrTooManyPeers
	}

	socket, err := newUDPSocket(address)
	if err != nil {
		return nil, err
	}

	return newHost(socket, peerCount, channelLimit, incomingBandwidth, outgoingBandwidth), nil
}

// NewHostWithSocket creates a host driving a caller-supplied Socket.
func NewHostWithSocket(socket Socket, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) (*Host, error) {
	if peerCount > MaximumPeerID {
		return nil, ErrTooManyPeers
	}
	return newHost(socket, peerCount, channelLimit, incomingBandwidth, outgoingBandwidth), nil
}

func newHost(socket Socket, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) *Host {
	socket.SetOption(SockOptNonblock, 1)
	socket.SetOption(SockOptBroadcast, 1)
	socket.SetOption(SockOptRcvBuf, hostReceiveBufferSize)
	socket.SetOption(SockOptSndBuf, hostSendBufferSize)

	if channelLimit <= 0 || channelLimit > MaximumChannelCount {
		channelLimit = MaximumChannelCount
	}

	seed := uint32(time.Now().UnixNano())
	seed += timeGet()
	seed = seed<<16 | seed>>16

	h := &Host{
		socket:             socket,
		address:            socket.Addr(),
		peers:              make([]Peer, peerCount),
		channelLimit:       channelLimit,
		incomingBandwidth:  incomingBandwidth,
		outgoingBandwidth:  outgoingBandwidth,
		mtu:                hostDefaultMTU,
		randomSeed:         seed,
		clock:              timeGet,
		duplicatePeers:     MaximumPeerID,
		maximumPacketSize:  MaximumPacketSize,
		maximumWaitingData: hostDefaultMaxWaitingData,
	}

	h.dispatchQueue.init()

	for i := range h.peers {
		peer := &h.peers[i]
		peer.host = h
		peer.incomingPeerID = uint16(i)
		peer.incomingSessionID = 0xFF
		peer.outgoingSessionID = 0xFF

		peer.acknowledgements.init()
		peer.sentReliableCommands.init()
		peer.sentUnreliableCommands.init()
		peer.outgoingReliableCommands.init()
		peer.outgoingUnreliableCommands.init()
		peer.dispatchedCommands.init()

		peer.reset()
	}

	return h
}

// Close destroys the host and its socket. Peers are reset without
// notification.
func (h *Host) Close() error {
	for i := range h.peers {
		h.peers[i].reset()
	}
	return h.socket.Close()
}

// Addr returns the local address the host is bound to.
func (h *Host) Addr() *net.UDPAddr { return h.address }

// Connect initiates a connection to a remote host, allocating channelCount
// channels. data is delivered to the remote end with its EventConnect. The
// connection is not complete until Service surfaces an EventConnect for the
// returned peer.
func (h *Host) Connect(address *net.UDPAddr, channelCount int, data uint32) (*Peer, error) {
	if channelCount < MinimumChannelCount {
		channelCount = MinimumChannelCount
	} else if channelCount > MaximumChannelCount {
		channelCount = MaximumChannelCount
	}

	var peer *Peer
	for i := range h.peers {
		if h.peers[i].state == StateDisconnected {
			peer = &h.peers[i]
			break
		}
	}
	if peer == nil {
		return nil, ErrNoPeerSlots
	}

	peer.channels = make([]channel, channelCount)
	for i := range peer.channels {
		peer.channels[i].incomingReliableCommands.init()
		peer.channels[i].incomingUnreliableCommands.init()
	}
	peer.state = StateConnecting
	peer.address = address
	h.randomSeed++
	peer.connectID = h.randomSeed

	if h.outgoingBandwidth == 0 {
		peer.windowSize = maxWindowSize
	} else {
		peer.windowSize = (h.outgoingBandwidth / windowSizeScale) * minWindowSize
	}
	if peer.windowSize < minWindowSize {
		peer.windowSize = minWindowSize
	} else if peer.windowSize > maxWindowSize {
		peer.windowSize = maxWindowSize
	}

	var command proto
	command.header.command = cmdConnect | flagAcknowledge
	command.header.channelID = controlChannelID
	command.connect.outgoingPeerID = peer.incomingPeerID
	command.connect.incomingSessionID = peer.incomingSessionID
	command.connect.outgoingSessionID = peer.outgoingSessionID
	command.connect.mtu = peer.mtu
	command.connect.windowSize = peer.windowSize
	command.connect.channelCount = uint32(channelCount)
	command.connect.incomingBandwidth = h.incomingBandwidth
	command.connect.outgoingBandwidth = h.outgoingBandwidth
	command.connect.packetThrottleInterval = peer.packetThrottleInterval
	command.connect.packetThrottleAcceleration = peer.packetThrottleAcceleration
	command.connect.packetThrottleDeceleration = peer.packetThrottleDeceleration
	command.connect.connectID = peer.connectID
	command.connect.data = data

	peer.queueOutgoingCommand(&command, nil, 0, 0)

	return peer, nil
}

// Broadcast queues a packet for delivery to every connected peer.
func (h *Host) Broadcast(channelID uint8, packet *Packet) {
	for i := range h.peers {
		peer := &h.peers[i]
		if peer.state != StateConnected {
			continue
		}
		peer.Send(channelID, packet)
	}

	if packet.referenceCount == 0 {
		packet.destroy()
	}
}

// Compress installs a compressor applied to outgoing datagrams whenever it
// strictly shrinks them. A nil compressor disables compression.
func (h *Host) Compress(compressor Compressor) {
	h.compressor = compressor
}

// CompressWithRangeCoder installs the built-in range coder as the host
// compressor.
func (h *Host) CompressWithRangeCoder() {
	h.Compress(NewRangeCoder())
}

// Checksum installs a checksum function covering every datagram. A nil
// function disables checksumming.
func (h *Host) Checksum(checksum ChecksumFunc) {
	h.checksum = checksum
}

// ChecksumCRC32 installs the built-in CRC-32 as the host checksum.
func (h *Host) ChecksumCRC32() {
	h.Checksum(CRC32)
}

// Intercept installs a hook that examines raw datagrams before parsing.
func (h *Host) Intercept(intercept InterceptFunc) {
	h.intercept = intercept
}

// ChannelLimit caps the channel count granted to future incoming
// connections. 0 restores MaximumChannelCount.
func (h *Host) ChannelLimit(channelLimit int) {
	if channelLimit <= 0 || channelLimit > MaximumChannelCount {
		channelLimit = MaximumChannelCount
	}
	h.channelLimit = channelLimit
}

// MTU sets the datagram size used for future connections.
func (h *Host) MTU(mtu uint32) error {
	if mtu < MinimumMTU || mtu > MaximumMTU {
		return ErrBadMTU
	}
	h.mtu = mtu
	for i := range h.peers {
		if h.peers[i].state == StateDisconnected {
			h.peers[i].mtu = mtu
		}
	}
	return nil
}

// MaximumPacketSize caps the size of packets peers may send or receive.
func (h *Host) MaximumPacketSize(limit int) {
	if limit <= 0 {
		limit = MaximumPacketSize
	}
	h.maximumPacketSize = limit
}

// MaximumWaitingData caps the bytes of received payload buffered per peer
// before further incoming commands are refused.
func (h *Host) MaximumWaitingData(limit int) {
	if limit <= 0 {
		limit = hostDefaultMaxWaitingData
	}
	h.maximumWaitingData = limit
}

// DuplicatePeers caps the number of simultaneous connections accepted from
// one address. The default, MaximumPeerID, effectively disables the cap.
func (h *Host) DuplicatePeers(limit int) {
	if limit <= 0 {
		limit = MaximumPeerID
	}
	h.duplicatePeers = limit
}

// BandwidthLimit adjusts the host bandwidth limits in bytes/second and
// renegotiates the per-peer allowances.
func (h *Host) BandwidthLimit(incomingBandwidth, outgoingBandwidth uint32) {
	h.incomingBandwidth = incomingBandwidth
	h.outgoingBandwidth = outgoingBandwidth
	h.recalculateBandwidthLimits = true
}

// bandwidthThrottle runs once per bandwidthThrottleInterval: it divides the
// host's outgoing budget across peers pro rata to their traffic, locking in
// peers whose own incoming bandwidth is the binding constraint and
// redistributing the remainder until stable, then renegotiates per-peer
// incoming allowances with BANDWIDTH_LIMIT commands when limits changed.
func (h *Host) bandwidthThrottle() {
	timeCurrent := h.clock()
	elapsedTime := timeCurrent - h.bandwidthThrottleEpoch

	if elapsedTime < bandwidthThrottleInterval {
		return
	}

	h.bandwidthThrottleEpoch = timeCurrent

	peersRemaining := uint32(h.connectedPeers)
	if peersRemaining == 0 {
		return
	}

	dataTotal := ^uint32(0)
	bandwidth := ^uint32(0)
	throttle := uint32(0)
	bandwidthLimit := uint32(0)
	needsAdjustment := h.bandwidthLimitedPeers > 0

	if h.outgoingBandwidth != 0 {
		dataTotal = 0
		bandwidth = (h.outgoingBandwidth * elapsedTime) / 1000

		for i := range h.peers {
			peer := &h.peers[i]
			if peer.state != StateConnected && peer.state != StateDisconnectLater {
				continue
			}
			dataTotal += peer.outgoingDataTotal
		}
	}

	for peersRemaining > 0 && needsAdjustment {
		needsAdjustment = false

		if dataTotal <= bandwidth {
			throttle = throttleScale
		} else {
			throttle = (bandwidth * throttleScale) / dataTotal
		}

		for i := range h.peers {
			peer := &h.peers[i]

			if (peer.state != StateConnected && peer.state != StateDisconnectLater) ||
				peer.incomingBandwidth == 0 ||
				peer.outgoingBandwidthThrottleEpoch == timeCurrent {
				continue
			}

			peerBandwidth := (peer.incomingBandwidth * elapsedTime) / 1000
			if (throttle*peer.outgoingDataTotal)/throttleScale <= peerBandwidth {
				continue
			}

			peer.packetThrottleLimit = (peerBandwidth * throttleScale) / peer.outgoingDataTotal
			if peer.packetThrottleLimit == 0 {
				peer.packetThrottleLimit = 1
			}
			if peer.packetThrottle > peer.packetThrottleLimit {
				peer.packetThrottle = peer.packetThrottleLimit
			}

			peer.outgoingBandwidthThrottleEpoch = timeCurrent

			peer.incomingDataTotal = 0
			peer.outgoingDataTotal = 0

			needsAdjustment = true
			peersRemaining--
			bandwidth -= peerBandwidth
			dataTotal -= peerBandwidth
		}
	}

	if peersRemaining > 0 {
		if dataTotal <= bandwidth {
			throttle = throttleScale
		} else {
			throttle = (bandwidth * throttleScale) / dataTotal
		}

		for i := range h.peers {
			peer := &h.peers[i]

			if (peer.state != StateConnected && peer.state != StateDisconnectLater) ||
				peer.outgoingBandwidthThrottleEpoch == timeCurrent {
				continue
			}

			peer.packetThrottleLimit = throttle
			if peer.packetThrottle > peer.packetThrottleLimit {
				peer.packetThrottle = peer.packetThrottleLimit
			}

			peer.incomingDataTotal = 0
			peer.outgoingDataTotal = 0
		}
	}

	if h.recalculateBandwidthLimits {
		h.recalculateBandwidthLimits = false

		peersRemaining = uint32(h.connectedPeers)
		bandwidth = h.incomingBandwidth
		needsAdjustment = true

		if bandwidth == 0 {
			bandwidthLimit = 0
		} else {
			for peersRemaining > 0 && needsAdjustment {
				needsAdjustment = false
				bandwidthLimit = bandwidth / peersRemaining

				for i := range h.peers {
					peer := &h.peers[i]

					if (peer.state != StateConnected && peer.state != StateDisconnectLater) ||
						peer.incomingBandwidthThrottleEpoch == timeCurrent {
						continue
					}

					if peer.outgoingBandwidth > 0 && peer.outgoingBandwidth >= bandwidthLimit {
						continue
					}

					peer.incomingBandwidthThrottleEpoch = timeCurrent

					needsAdjustment = true
					peersRemaining--
					bandwidth -= peer.outgoingBandwidth
				}
			}
		}

		for i := range h.peers {
			peer := &h.peers[i]

			if peer.state != StateConnected && peer.state != StateDisconnectLater {
				continue
			}

			var command proto
			command.header.command = cmdBandwidthLimit | flagAcknowledge
			command.header.channelID = controlChannelID
			command.bandwidthLimit.outgoingBandwidth = h.outgoingBandwidth

			if peer.incomingBandwidthThrottleEpoch == timeCurrent {
				command.bandwidthLimit.incomingBandwidth = peer.outgoingBandwidth
			} else {
				command.bandwidthLimit.incomingBandwidth = bandwidthLimit
			}

			peer.queueOutgoingCommand(&command, nil, 0, 0)
		}
	}
}
