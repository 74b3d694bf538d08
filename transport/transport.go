package transport

import (
	"context"
	"errors"

	"github.com/stellarlink/cfdp/pdu"
)

// DefaultBufferSize is the receive buffer size handed to PDUHandler when the
// caller does not specify one.
const DefaultBufferSize = 65536

var (
	// ErrUnknownEntity indicates a destination absent from the routing table.
	ErrUnknownEntity = errors.New("transport: no address for destination entity")

	// ErrOutboundClosed indicates the daemon side of the outbound queue was
	// closed or disconnected; the handler loop cannot continue.
	ErrOutboundClosed = errors.New("transport: outbound channel closed")
)

// Outbound pairs a PDU with the entity it must be delivered to.
type Outbound struct {
	Destination pdu.EntityID
	PDU         *pdu.PDU
}

// PDUTransport converts between the medium's wire representation and decoded
// PDUs. Implementations run their handler loop on a dedicated goroutine
// inside the daemon process.
type PDUTransport interface {
	// Ready is a non-blocking liveness probe on the underlying medium.
	Ready() bool

	// Request looks the destination up in the routing table, encodes the PDU
	// and transmits it. An unmapped destination yields ErrUnknownEntity.
	Request(destination pdu.EntityID, p *pdu.PDU) error

	// PDUHandler runs until ctx is cancelled. Received units are decoded and
	// forwarded on inbound; a decode failure is logged and the unit dropped.
	// Each iteration drains everything pending on outbound. A hard I/O
	// failure or a closed outbound channel terminates the loop with an error.
	PDUHandler(ctx context.Context, inbound chan<- *pdu.PDU, outbound <-chan Outbound, bufferSize int) error
}
