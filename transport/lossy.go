package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/pdu"
)

// DropMode selects how a DropSchedule discards outgoing traffic.
type DropMode uint8

const (
	// DropOnce drops the first instance of each configured directive, then
	// passes everything.
	DropOnce DropMode = iota
	// DropAll drops every instance of the configured directives.
	DropAll
	// DropEveryFirst drops the first instance of every directive kind,
	// simulating a noisy link losing one of everything.
	DropEveryFirst
)

// DropSchedule decides which outgoing PDUs a LossyTransport discards.
type DropSchedule struct {
	mode       DropMode
	directives map[pdu.Directive]bool

	mu      sync.Mutex
	dropped map[pdu.Directive]bool
}

// NewDropSchedule builds a schedule for the given mode. The directive list
// is ignored by DropEveryFirst.
func NewDropSchedule(mode DropMode, directives ...pdu.Directive) *DropSchedule {
	set := make(map[pdu.Directive]bool, len(directives))
	for _, d := range directives {
		set[d] = true
	}
	return &DropSchedule{
		mode:       mode,
		directives: set,
		dropped:    make(map[pdu.Directive]bool),
	}
}

// Drop reports whether this PDU should be discarded, updating the
// first-instance bookkeeping.
func (s *DropSchedule) Drop(p *pdu.PDU) bool {
	switch s.mode {
	case DropAll:
		return s.directives[p.Directive]
	case DropOnce:
		if !s.directives[p.Directive] {
			return false
		}
	case DropEveryFirst:
		// every directive is a candidate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped[p.Directive] {
		return false
	}
	s.dropped[p.Directive] = true
	return true
}

// LossyTransport is a UDPTransport that discards outgoing PDUs according to
// a schedule. Inbound traffic is untouched. Used to simulate lossy links in
// the recovery test series and during ground testing.
type LossyTransport struct {
	*UDPTransport
	schedule *DropSchedule
}

// NewLossyTransport wraps the given UDP transport with a drop schedule.
func NewLossyTransport(t *UDPTransport, schedule *DropSchedule) *LossyTransport {
	return &LossyTransport{UDPTransport: t, schedule: schedule}
}

// Request applies the drop schedule before transmitting. A dropped PDU is
// reported as sent; the loss is invisible to the caller, as on a real link.
func (t *LossyTransport) Request(destination pdu.EntityID, p *pdu.PDU) error {
	if t.schedule.Drop(p) {
		logrus.WithFields(logrus.Fields{
			"directive":   p.Directive,
			"transaction": p.Header.TransactionID(),
		}).Debug("lossy transport dropping PDU")
		return nil
	}
	return t.UDPTransport.Request(destination, p)
}

// PDUHandler runs the UDP handler loop with the lossy send path.
func (t *LossyTransport) PDUHandler(ctx context.Context, inbound chan<- *pdu.PDU, outbound <-chan Outbound, bufferSize int) error {
	return t.handle(ctx, inbound, outbound, bufferSize, t.Request)
}
