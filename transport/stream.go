package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/pdu"
)

// streamPollInterval bounds a single read on the line so the shutdown
// signal is observed at a regular cadence.
const streamPollInterval = 250 * time.Millisecond

// maxFrameSize bounds one length-delimited frame on the line.
const maxFrameSize = 1 << 20

// ErrFrameTooLarge indicates a frame exceeding maxFrameSize; the line is
// considered corrupt since framing can no longer be trusted.
var ErrFrameTooLarge = errors.New("transport: stream frame too large")

// StreamTransport moves PDUs over a continuous byte-stream line such as a
// serial link or a TCP bridge. Frames are delimited by a big-endian uint32
// length prefix. All peer entities named in the routing set share the one
// line; the destination is carried inside the PDU header.
type StreamTransport struct {
	conn    net.Conn
	peers   map[pdu.EntityID]bool
	pending []byte
}

// NewStreamTransport wraps an established byte-stream line serving the given
// peer entities.
func NewStreamTransport(conn net.Conn, peers []pdu.EntityID) *StreamTransport {
	set := make(map[pdu.EntityID]bool, len(peers))
	for _, id := range peers {
		set[id] = true
	}
	return &StreamTransport{conn: conn, peers: set}
}

// Ready reports whether the line is established.
func (t *StreamTransport) Ready() bool {
	return t.conn != nil && t.conn.RemoteAddr() != nil
}

// Request frames and writes the PDU onto the line.
func (t *StreamTransport) Request(destination pdu.EntityID, p *pdu.PDU) error {
	if !t.peers[destination] {
		return errors.Wrapf(ErrUnknownEntity, "entity %d", destination)
	}
	wire, err := pdu.Encode(p)
	if err != nil {
		return errors.Wrap(err, "encoding PDU")
	}
	frame := make([]byte, 4+len(wire))
	binary.BigEndian.PutUint32(frame, uint32(len(wire)))
	copy(frame[4:], wire)
	_, err = t.conn.Write(frame)
	return errors.Wrapf(err, "writing to entity %d", destination)
}

// PDUHandler implements the transport handler loop contract. Instead of a
// per-datagram receive it polls the line for buffered bytes, reassembling
// frames across reads; a partial frame simply stays pending until the next
// iteration.
func (t *StreamTransport) PDUHandler(ctx context.Context, inbound chan<- *pdu.PDU, outbound <-chan Outbound, bufferSize int) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	buf := make([]byte, bufferSize)

	for ctx.Err() == nil {
		if err := t.conn.SetReadDeadline(time.Now().Add(streamPollInterval)); err != nil {
			return errors.Wrap(err, "setting read deadline")
		}
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.pending = append(t.pending, buf[:n]...)
			if ferr := t.deliverFrames(ctx, inbound); ferr != nil {
				return ferr
			}
		}
		switch {
		case err == nil || isTimeout(err):
			// Keep polling.
		case errors.Is(err, io.EOF):
			logrus.Error("stream line closed by peer")
			return errors.Wrap(err, "line closed")
		default:
			logrus.WithError(err).Error("transport medium failure")
			return errors.Wrap(err, "receiving from line")
		}

	drain:
		for {
			select {
			case ob, ok := <-outbound:
				if !ok {
					logrus.Error("transport outbound queue disconnected")
					return ErrOutboundClosed
				}
				if err := t.Request(ob.Destination, ob.PDU); err != nil {
					return err
				}
			default:
				break drain
			}
		}
	}
	return nil
}

// deliverFrames decodes every complete frame sitting in the pending buffer.
func (t *StreamTransport) deliverFrames(ctx context.Context, inbound chan<- *pdu.PDU) error {
	for len(t.pending) >= 4 {
		size := binary.BigEndian.Uint32(t.pending)
		if size > maxFrameSize {
			return ErrFrameTooLarge
		}
		if uint32(len(t.pending)-4) < size {
			return nil
		}
		frame := t.pending[4 : 4+size]
		p, err := pdu.Decode(frame)
		if err != nil {
			logrus.WithError(err).Warn("dropping undecodable frame")
		} else {
			select {
			case inbound <- p:
			case <-ctx.Done():
				return nil
			}
		}
		t.pending = append(t.pending[:0], t.pending[4+size:]...)
	}
	return nil
}

// Close releases the line.
func (t *StreamTransport) Close() error {
	return t.conn.Close()
}
