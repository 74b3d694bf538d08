package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/pdu"
)

// readPollInterval bounds a single blocking receive so the shutdown signal
// and the outbound queue are observed at least this often.
const readPollInterval = 100 * time.Millisecond

// UDPTransport moves PDUs over a datagram socket. One socket may serve a
// group of destination entities; the routing table maps each to its address.
type UDPTransport struct {
	conn   net.PacketConn
	routes map[pdu.EntityID]net.Addr
}

// NewUDPTransport binds a datagram socket on listenAddr and resolves the
// routing table entries.
func NewUDPTransport(listenAddr string, routes map[pdu.EntityID]string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "binding datagram socket")
	}
	resolved := make(map[pdu.EntityID]net.Addr, len(routes))
	for id, addr := range routes {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "resolving address for entity %d", id)
		}
		resolved[id] = udpAddr
	}
	return &UDPTransport{conn: conn, routes: resolved}, nil
}

// NewUDPTransportConn wraps an already-bound datagram socket. Used when the
// caller needs the local address before the routing table can be built.
func NewUDPTransportConn(conn net.PacketConn, routes map[pdu.EntityID]net.Addr) *UDPTransport {
	r := make(map[pdu.EntityID]net.Addr, len(routes))
	for id, addr := range routes {
		r[id] = addr
	}
	return &UDPTransport{conn: conn, routes: r}
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Ready reports whether the socket is bound to a resolvable local address.
func (t *UDPTransport) Ready() bool {
	return t.conn.LocalAddr() != nil
}

// Request encodes the PDU and transmits it to the destination entity.
func (t *UDPTransport) Request(destination pdu.EntityID, p *pdu.PDU) error {
	addr, ok := t.routes[destination]
	if !ok {
		return errors.Wrapf(ErrUnknownEntity, "entity %d", destination)
	}
	wire, err := pdu.Encode(p)
	if err != nil {
		return errors.Wrap(err, "encoding PDU")
	}
	_, err = t.conn.WriteTo(wire, addr)
	return errors.Wrapf(err, "sending to entity %d", destination)
}

// PDUHandler implements the transport handler loop contract.
func (t *UDPTransport) PDUHandler(ctx context.Context, inbound chan<- *pdu.PDU, outbound <-chan Outbound, bufferSize int) error {
	return t.handle(ctx, inbound, outbound, bufferSize, t.Request)
}

// handle is the shared loop body. send is hooked by LossyTransport to apply
// its drop schedule to outgoing traffic.
func (t *UDPTransport) handle(ctx context.Context, inbound chan<- *pdu.PDU, outbound <-chan Outbound, bufferSize int, send func(pdu.EntityID, *pdu.PDU) error) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	buf := make([]byte, bufferSize)

	for ctx.Err() == nil {
		if err := t.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return errors.Wrap(err, "setting read deadline")
		}
		n, _, err := t.conn.ReadFrom(buf)
		switch {
		case err == nil:
			p, derr := pdu.Decode(buf[:n])
			if derr != nil {
				// Recoverable: the malformed unit is dropped, the loop continues.
				logrus.WithError(derr).Warn("dropping undecodable unit")
				break
			}
			select {
			case inbound <- p:
			case <-ctx.Done():
				return nil
			}
		case isTimeout(err):
			// Shutdown-poll cadence; nothing received this interval.
		default:
			logrus.WithError(err).Error("transport medium failure")
			return errors.Wrap(err, "receiving from medium")
		}

		// Drain everything queued so a bulk send is not throttled to one
		// unit per receive interval.
	drain:
		for {
			select {
			case ob, ok := <-outbound:
				if !ok {
					logrus.Error("transport outbound queue disconnected")
					return ErrOutboundClosed
				}
				if err := send(ob.Destination, ob.PDU); err != nil {
					return err
				}
			default:
				break drain
			}
		}
	}
	return nil
}

// Close releases the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
