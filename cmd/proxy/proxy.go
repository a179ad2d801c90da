/*
Proxy relays snet connections to an upstream server,
supporting multiple concurrent clients.

Usage:

	proxy [config.yml]

where config.yml defaults to proxy.yml in the working directory.
*/
package main

import (
	"log"
	"net"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/schsschs/snet"
)

type config struct {
	Listen      string `yaml:"listen"`
	Upstream    string `yaml:"upstream"`
	MaxClients  int    `yaml:"max_clients"`
	Channels    int    `yaml:"channels"`
	Compression string `yaml:"compression"` // none, range or s2
	Checksum    bool   `yaml:"checksum"`
}

func loadConfig(path string) (config, error) {
	conf := config{
		Listen:     ":26000",
		MaxClients: 64,
		Channels:   2,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}

	err = yaml.Unmarshal(data, &conf)
	return conf, err
}

func configure(host *snet.Host, conf config) {
	switch conf.Compression {
	case "range":
		host.CompressWithRangeCoder()
	case "s2":
		host.Compress(snet.NewS2Compressor())
	}

	if conf.Checksum {
		host.ChecksumCRC32()
	}
}

// link pairs a client peer with its upstream peer. Packets arriving before
// the upstream connection completes are held back.
type link struct {
	clt, srv *snet.Peer
	ready    bool
	backlog  []queuedPacket
}

type queuedPacket struct {
	channelID uint8
	packet    *snet.Packet
}

type proxy struct {
	front, back *snet.Host
	upstream    *net.UDPAddr
	links       map[*snet.Peer]*link
}

func main() {
	path := "proxy.yml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	conf, err := loadConfig(path)
	if err != nil {
		log.Fatal(err)
	}

	listenAddr, err := net.ResolveUDPAddr("udp", conf.Listen)
	if err != nil {
		log.Fatal(err)
	}
	upstreamAddr, err := net.ResolveUDPAddr("udp", conf.Upstream)
	if err != nil {
		log.Fatal(err)
	}

	front, err := snet.NewHost(listenAddr, conf.MaxClients, conf.Channels, 0, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer front.Close()

	back, err := snet.NewHost(nil, conf.MaxClients, conf.Channels, 0, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer back.Close()

	configure(front, conf)
	configure(back, conf)

	log.Print("listening on ", front.Addr(), ", upstream ", upstreamAddr)

	p := &proxy{
		front:    front,
		back:     back,
		upstream: upstreamAddr,
		links:    make(map[*snet.Peer]*link),
	}

	for {
		p.service(front)
		p.service(back)
	}
}

func (p *proxy) service(host *snet.Host) {
	event, err := host.Service(10)
	if err != nil {
		log.Print(err)
		return
	}

	switch event.Type {
	case snet.EventConnect:
		if host == p.front {
			srv, err := p.back.Connect(p.upstream, event.Peer.ChannelCount(), event.Data)
			if err != nil {
				log.Print("upstream connect: ", err)
				event.Peer.DisconnectNow(0)
				return
			}

			l := &link{clt: event.Peer, srv: srv}
			p.links[event.Peer] = l
			p.links[srv] = l

			log.Print(event.Peer.Address(), " connected")
			return
		}

		l := p.links[event.Peer]
		if l == nil {
			return
		}
		l.ready = true
		for _, q := range l.backlog {
			if l.srv.Send(q.channelID, q.packet) != nil {
				q.packet.Release()
			}
		}
		l.backlog = nil

	case snet.EventDisconnect:
		l := p.links[event.Peer]
		if l == nil {
			return
		}
		other := l.srv
		if event.Peer == l.srv {
			other = l.clt
		}
		other.Disconnect(event.Data)
		delete(p.links, l.clt)
		delete(p.links, l.srv)
		log.Print(l.clt.Address(), " disconnected")

	case snet.EventReceive:
		l := p.links[event.Peer]
		if l == nil {
			event.Packet.Release()
			return
		}

		dest := l.srv
		if event.Peer == l.srv {
			dest = l.clt
		}

		if dest == l.srv && !l.ready {
			l.backlog = append(l.backlog, queuedPacket{event.ChannelID, event.Packet})
			return
		}

		// a queued packet belongs to the transport again; release only
		// what was not forwarded
		if err := dest.Send(event.ChannelID, event.Packet); err != nil {
			log.Print("relay: ", err)
			event.Packet.Release()
		}
	}
}
