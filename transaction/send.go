package transaction

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/filestore"
	"github.com/stellarlink/cfdp/pdu"
	"github.com/stellarlink/cfdp/transport"
)

// SendArgs carries everything needed to construct a sender worker.
type SendArgs struct {
	ID                pdu.TransactionID
	Remote            pdu.EntityID
	Mode              pdu.TransmissionMode
	SourcePath        string
	DestinationPath   string
	FileStoreRequests []pdu.FileStoreRequest
	UserMessages      [][]byte
	Store             filestore.FileStore
	Config            Config
	Outbound          chan<- transport.Outbound
	Done              chan<- Completion
}

// Send is the sender-role transaction worker. All fields are owned by the
// worker goroutine once Run starts; other goroutines reach it only through
// the command channel.
type Send struct {
	id       pdu.TransactionID
	remote   pdu.EntityID
	mode     pdu.TransmissionMode
	cfg      Config
	store    filestore.FileStore
	args     SendArgs
	file     filestore.File
	size     uint64
	checksum uint32

	cmds     chan Command
	outbound chan<- transport.Outbound
	done     chan<- Completion

	state     State
	condition pdu.Condition
	progress  uint64
	suspended bool

	ackTimer   *retryTimer // awaiting ACK(EOF)
	inactivity *retryTimer // silence watchdog after file data is out
	linger     *retryTimer // window to re-answer a duplicate Finished

	log *logrus.Entry
}

// NewSend opens the source file and prepares a sender worker. A filestore
// failure here aborts only this transfer; the daemon reports it as a spawn
// error.
func NewSend(args SendArgs) (*Send, error) {
	cfg := args.Config.withDefaults()

	f, err := args.Store.Open(args.SourcePath)
	if err != nil {
		return nil, errors.Wrap(err, "opening source file")
	}
	size, err := args.Store.Size(args.SourcePath)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sizing source file")
	}
	sum, err := pdu.Checksum(io.NewSectionReader(f, 0, int64(size)))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "checksumming source file")
	}

	return &Send{
		id:         args.ID,
		remote:     args.Remote,
		mode:       args.Mode,
		cfg:        cfg,
		store:      args.Store,
		args:       args,
		file:       f,
		size:       size,
		checksum:   sum,
		cmds:       make(chan Command, 64),
		outbound:   args.Outbound,
		done:       args.Done,
		state:      StateStart,
		condition:  pdu.ConditionNoError,
		ackTimer:   newRetryTimer(cfg.AckTimeout, cfg.AckLimit),
		inactivity: newRetryTimer(cfg.InactivityTimeout, 0),
		linger:     newRetryTimer(cfg.Linger, 0),
		log: logrus.WithFields(logrus.Fields{
			"transaction": args.ID,
			"role":        RoleSender,
			"mode":        args.Mode,
		}),
	}, nil
}

// Commands returns the worker's mailbox.
func (t *Send) Commands() chan<- Command { return t.cmds }

// ID returns the transaction identifier.
func (t *Send) ID() pdu.TransactionID { return t.id }

// Run drives the transfer to a terminal state. It must be called exactly
// once, on its own goroutine.
func (t *Send) Run(ctx context.Context) {
	defer func() {
		t.file.Close()
		t.done <- Completion{ID: t.id, Final: t.report()}
	}()

	t.log.WithFields(logrus.Fields{
		"source": t.args.SourcePath,
		"size":   t.size,
	}).Info("send transaction starting")

	t.state = StateTransferring
	t.sendMetadata()

	// Stream the file, keeping the mailbox responsive between segments.
	var offset uint64
	for t.state == StateTransferring {
		if !t.poll(ctx) {
			return
		}
		if offset >= t.size {
			break
		}
		offset += t.sendSegment(offset)
		t.progress = offset
	}
	if t.state == StateClosed {
		return
	}

	t.sendEOF()
	if t.mode == pdu.ModeUnacknowledged {
		t.log.Info("unacknowledged send complete")
		t.close()
		return
	}

	t.state = StateAwaitingAck
	t.ackTimer.start()
	t.inactivity.start()

	for t.state != StateClosed {
		select {
		case cmd := <-t.cmds:
			t.handleCommand(cmd)
		case <-t.ackTimer.C():
			t.onAckTimeout()
		case <-t.linger.C():
			t.log.Debug("linger window elapsed")
			t.close()
		case <-t.inactivity.C():
			t.fault(pdu.ConditionInactivityDetected)
		case <-ctx.Done():
			t.condition = pdu.ConditionCancelReceived
			t.close()
		}
	}
}

// poll services pending commands without blocking, except while suspended,
// where it blocks until resumed or cancelled. It returns false once the
// transaction is closed.
func (t *Send) poll(ctx context.Context) bool {
	for {
		if t.suspended {
			select {
			case cmd := <-t.cmds:
				t.handleCommand(cmd)
			case <-ctx.Done():
				t.condition = pdu.ConditionCancelReceived
				t.close()
			}
		} else {
			select {
			case cmd := <-t.cmds:
				t.handleCommand(cmd)
			case <-ctx.Done():
				t.condition = pdu.ConditionCancelReceived
				t.close()
			default:
				return t.state != StateClosed
			}
		}
		if t.state == StateClosed {
			return false
		}
	}
}

func (t *Send) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CmdPDU:
		t.handlePDU(cmd.PDU)
	case CmdCancel:
		t.log.Info("cancelled")
		t.condition = pdu.ConditionCancelReceived
		t.close()
	case CmdSuspend:
		if !t.suspended {
			t.log.Info("suspended")
			t.suspended = true
			t.ackTimer.stop()
			t.inactivity.stop()
			t.linger.stop()
		}
	case CmdResume:
		if t.suspended {
			t.log.Info("resumed")
			t.suspended = false
			if t.state == StateAwaitingAck {
				t.sendEOF()
				t.ackTimer.start()
			}
			if t.state == StateFinished {
				t.linger.start()
			}
			if t.state != StateTransferring {
				t.inactivity.start()
			}
		}
	case CmdReport:
		cmd.Reply <- t.report()
	}
}

func (t *Send) handlePDU(p *pdu.PDU) {
	if !t.suspended && (t.state == StateAwaitingAck || t.state == StateEOFExchanged) {
		t.inactivity.arm()
	}
	switch p.Directive {
	case pdu.DirectiveACK:
		if p.ACK.Of == pdu.DirectiveEOF && t.state == StateAwaitingAck {
			t.log.Debug("EOF acknowledged")
			t.ackTimer.stop()
			t.state = StateEOFExchanged
		}
	case pdu.DirectiveNAK:
		t.serviceNAK(p.NAK)
	case pdu.DirectiveFinished:
		t.onFinished(p.Finished)
	default:
		t.log.WithField("directive", p.Directive).Debug("ignoring unexpected directive")
	}
}

// serviceNAK retransmits exactly the requested ranges. The zero segment
// requests the Metadata PDU.
func (t *Send) serviceNAK(n *pdu.NAK) {
	if t.suspended {
		return
	}
	t.log.WithField("segments", len(n.Segments)).Debug("servicing NAK")
	for _, seg := range n.Segments {
		if seg.Start == 0 && seg.End == 0 {
			t.sendMetadata()
			continue
		}
		end := seg.End
		if end > t.size {
			end = t.size
		}
		for off := seg.Start; off < end; {
			off += t.sendSegmentWithin(off, end)
		}
	}
}

// onFinished completes the transfer from the sender's perspective. A
// Finished PDU implies the receiver saw the EOF, so a pending EOF
// acknowledgment wait is satisfied by it as well.
func (t *Send) onFinished(fin *pdu.Finished) {
	if t.state == StateAwaitingAck || t.state == StateEOFExchanged {
		t.ackTimer.stop()
		t.condition = fin.Condition
		t.state = StateFinished
		t.sendAckFinished()
		t.inactivity.stop()
		t.linger.start()
		t.log.WithFields(logrus.Fields{
			"condition": fin.Condition,
			"delivery":  fin.Delivery,
		}).Info("transfer finished")
		return
	}
	if t.state == StateFinished {
		// Our ACK(Finished) was lost; answer again and keep lingering.
		t.sendAckFinished()
		t.linger.start()
	}
}

func (t *Send) onAckTimeout() {
	if t.ackTimer.expired() {
		t.log.WithField("limit", t.cfg.AckLimit).Warn("acknowledgment limit reached")
		t.fault(pdu.ConditionPositiveLimitReached)
		return
	}
	t.log.Debug("acknowledgment timeout, retransmitting EOF")
	t.sendEOF()
	t.ackTimer.arm()
}

func (t *Send) sendMetadata() {
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveMetadata,
		Metadata: &pdu.Metadata{
			FileSize:          t.size,
			SourcePath:        t.args.SourcePath,
			DestinationPath:   t.args.DestinationPath,
			FileStoreRequests: t.args.FileStoreRequests,
			UserMessages:      t.args.UserMessages,
		},
	})
}

// sendSegment transmits one segment starting at offset and returns the
// number of bytes covered.
func (t *Send) sendSegment(offset uint64) uint64 {
	return t.sendSegmentWithin(offset, t.size)
}

func (t *Send) sendSegmentWithin(offset, end uint64) uint64 {
	n := uint64(t.cfg.SegmentSize)
	if offset+n > end {
		n = end - offset
	}
	if n == 0 {
		return 0
	}
	buf := make([]byte, n)
	read, err := t.file.ReadAt(buf, int64(offset))
	if err != nil && !(errors.Is(err, io.EOF) && uint64(read) == n) {
		t.log.WithError(err).Error("reading source segment")
		t.fault(pdu.ConditionFilestoreRejection)
		return n
	}
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveFileData,
		FileData:  &pdu.FileData{Offset: offset, Data: buf},
	})
	return n
}

func (t *Send) sendEOF() {
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveEOF,
		EOF: &pdu.EOF{
			Condition: pdu.ConditionNoError,
			Checksum:  t.checksum,
			FileSize:  t.size,
		},
	})
}

func (t *Send) sendAckFinished() {
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveACK,
		ACK:       &pdu.ACK{Of: pdu.DirectiveFinished, Condition: t.condition},
	})
}

func (t *Send) emit(p *pdu.PDU) {
	t.outbound <- transport.Outbound{Destination: t.remote, PDU: p}
}

// header builds the constant PDU header for this transaction. The source
// field always names the originating entity so both sides derive the same
// transaction identifier.
func (t *Send) header() pdu.Header {
	return pdu.Header{
		Source:      t.id.Source,
		Destination: t.remote,
		Seq:         t.id.Seq,
		Mode:        t.mode,
	}
}

// fault records a terminal fault condition and closes the transaction. The
// engine never retries a faulted transfer.
func (t *Send) fault(cond pdu.Condition) {
	t.log.WithField("condition", cond).Warn("transaction fault")
	t.condition = cond
	t.close()
}

func (t *Send) close() {
	t.ackTimer.stop()
	t.inactivity.stop()
	t.linger.stop()
	t.state = StateClosed
}

func (t *Send) report() *Report {
	return &Report{
		ID:        t.id,
		Role:      RoleSender,
		Mode:      t.mode,
		State:     t.state,
		Condition: t.condition,
		Progress:  t.progress,
		Total:     t.size,
	}
}
