// Package listener implements the incoming-connection acceptor: it
// binds the client's inbound port, reads the first frame of every
// accepted socket, and classifies it as a peer, transfer, or
// distributed connection before handing it off to the matching
// manager. Every goroutine it spawns is tracked and stoppable, never
// fire-and-forget.
package listener

import (
	"fmt"
	"net"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// PeerSink receives classified peer-scoped handoffs and answers
// solicitation lookups for PierceFirewall handling. ResolveSolicitation
// reports the ConnType the solicitation was issued for, since a pierced
// connection is wrapped differently depending on whether it resolves a
// message or a transfer connection.
type PeerSink interface {
	AdoptMessageConnection(username string, mc *transport.MessageConnection)
	AdoptTransferConnection(username string, token int32, socket net.Conn)
	ResolveSolicitation(token int32) (username string, connType protocol.ConnType, ok bool)
}

// DistributedSink receives classified distributed-scoped handoffs.
type DistributedSink interface {
	AdoptChildConnection(username string, mc *transport.MessageConnection) error
	ResolveSolicitation(token int32) (username string, ok bool)
}

// classify reads the first framed message off a freshly accepted raw
// Connection and routes it by that message's shape: PeerInit carries
// an explicit connection type, PierceFirewall is matched against the
// managers' outstanding solicitations. It always consumes the
// Connection: on success ownership moves to a sink, on failure the
// Connection is disconnected.
func classify(c *transport.Connection, peers PeerSink, distributed DistributedSink, waiters *waiter.Registry, log diagnostics.Logger, sink diagnostics.Sink) {
	frame, err := readOneFrame(c)
	if err != nil {
		log.Warnf("acceptor: failed reading first frame from %s: %v", c.RemoteEndpoint(), err)
		c.Disconnect(err)
		return
	}

	r, err := protocol.Decode(frame)
	if err != nil {
		log.Warnf("acceptor: malformed first frame from %s: %v", c.RemoteEndpoint(), err)
		c.Disconnect(err)
		return
	}

	switch protocol.InitCode(r.Code) {
	case protocol.InitPeerInit:
		handlePeerInit(c, r, peers, distributed, log, sink)
	case protocol.InitPierceFirewall:
		handlePierceFirewall(c, r, peers, distributed, waiters, log, sink)
	default:
		log.Warnf("acceptor: unrecognised initial code %d from %s", r.Code, c.RemoteEndpoint())
		c.Disconnect(ErrUnrecognisedInitialisation)
	}
}

func handlePeerInit(c *transport.Connection, r *protocol.Reader, peers PeerSink, distributed DistributedSink, log diagnostics.Logger, sink diagnostics.Sink) {
	m, err := protocol.DecodePeerInit(r)
	if err != nil {
		log.Warnf("acceptor: malformed PeerInit from %s: %v", c.RemoteEndpoint(), err)
		c.Disconnect(err)
		return
	}
	c.SetUsername(m.Username)

	switch m.ConnectionType {
	case protocol.ConnTypePeerMessage:
		mc := transport.NewMessageConnection(c)
		peers.AdoptMessageConnection(m.Username, mc)
		emit(sink, diagnostics.Info, fmt.Sprintf("handed off incoming peer message connection for %s", m.Username))
	case protocol.ConnTypeFileTransfer:
		socket, err := c.Handoff()
		if err != nil {
			log.Warnf("acceptor: handoff failed for transfer connection from %s: %v", m.Username, err)
			return
		}
		peers.AdoptTransferConnection(m.Username, m.Token, socket)
		emit(sink, diagnostics.Info, fmt.Sprintf("handed off incoming transfer connection for %s token=%d", m.Username, m.Token))
	case protocol.ConnTypeDistributed:
		mc := transport.NewMessageConnection(c)
		if err := distributed.AdoptChildConnection(m.Username, mc); err != nil {
			log.Warnf("acceptor: distributed child rejected for %s: %v", m.Username, err)
			mc.Close(err)
			return
		}
		emit(sink, diagnostics.Info, fmt.Sprintf("handed off incoming distributed child connection for %s", m.Username))
	default:
		log.Warnf("acceptor: unknown PeerInit connection type %q from %s", m.ConnectionType, m.Username)
		c.Disconnect(ErrUnrecognisedInitialisation)
	}
}

func handlePierceFirewall(c *transport.Connection, r *protocol.Reader, peers PeerSink, distributed DistributedSink, waiters *waiter.Registry, log diagnostics.Logger, sink diagnostics.Sink) {
	m, err := protocol.DecodePierceFirewall(r)
	if err != nil {
		log.Warnf("acceptor: malformed PierceFirewall from %s: %v", c.RemoteEndpoint(), err)
		c.Disconnect(err)
		return
	}

	if username, connType, ok := peers.ResolveSolicitation(m.Token); ok {
		switch connType {
		case protocol.ConnTypeFileTransfer:
			socket, err := c.Handoff()
			if err != nil {
				log.Warnf("acceptor: handoff failed for pierced transfer from %s: %v", username, err)
				return
			}
			waiters.Complete(waiter.New(waiter.NamespaceIncomingTransfer, username, m.Token), socket)
			emit(sink, diagnostics.Info, fmt.Sprintf("pierced firewall for transfer %s token=%d", username, m.Token))
		default:
			mc := transport.NewMessageConnection(c)
			waiters.Complete(waiter.New(waiter.NamespaceSolicitedPeerConnection, username, m.Token), mc)
			emit(sink, diagnostics.Info, fmt.Sprintf("pierced firewall for peer %s token=%d", username, m.Token))
		}
		return
	}
	if username, ok := distributed.ResolveSolicitation(m.Token); ok {
		mc := transport.NewMessageConnection(c)
		waiters.Complete(waiter.New(waiter.NamespaceSolicitedDistributedConn, username, m.Token), mc)
		emit(sink, diagnostics.Info, fmt.Sprintf("pierced firewall for distributed candidate %s token=%d", username, m.Token))
		return
	}

	log.Warnf("acceptor: unknown solicitation token %d from %s", m.Token, c.RemoteEndpoint())
	c.Disconnect(ErrUnknownSolicitation)
}

func readOneFrame(c *transport.Connection) ([]byte, error) {
	header, err := c.Read(4)
	if err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16 | int(header[3])<<24
	body, err := c.Read(length)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(body))
	copy(frame, header)
	copy(frame[4:], body)
	return frame, nil
}

func emit(sink diagnostics.Sink, level diagnostics.Level, message string) {
	if sink == nil {
		return
	}
	sink.Emit(diagnostics.Event{Level: level, Source: "listener", Message: message})
}
