package transaction

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/filestore"
	"github.com/stellarlink/cfdp/pdu"
	"github.com/stellarlink/cfdp/transport"
)

// RecvArgs carries everything needed to construct a receiver worker.
type RecvArgs struct {
	ID       pdu.TransactionID
	Local    pdu.EntityID
	Mode     pdu.TransmissionMode
	Store    filestore.FileStore
	Config   Config
	Outbound chan<- transport.Outbound
	Done     chan<- Completion
}

// Recv is the receiver-role transaction worker. It is spawned by the daemon
// on the first inbound PDU of an untracked transaction, which may be any of
// Metadata, FileData or EOF; whichever PDUs are missing are recovered
// through its own NAK machinery.
type Recv struct {
	id    pdu.TransactionID
	local pdu.EntityID
	mode  pdu.TransmissionMode
	cfg   Config
	store filestore.FileStore

	cmds     chan Command
	outbound chan<- transport.Outbound
	done     chan<- Completion

	metadata    *pdu.Metadata
	file        filestore.File
	tempPath    string
	tracker     gapTracker
	eofReceived bool
	eofChecksum uint32
	fileSize    uint64
	finalized   bool
	delivered   bool

	state     State
	condition pdu.Condition
	suspended bool

	ackTimer   *retryTimer // awaiting ACK(Finished)
	nakTimer   *retryTimer // NAK rounds while data is missing
	inactivity *retryTimer

	log *logrus.Entry
}

// NewRecv prepares a receiver worker. The destination file is opened lazily
// on first write, so construction cannot fail.
func NewRecv(args RecvArgs) *Recv {
	cfg := args.Config.withDefaults()
	return &Recv{
		id:         args.ID,
		local:      args.Local,
		mode:       args.Mode,
		cfg:        cfg,
		store:      args.Store,
		cmds:       make(chan Command, 64),
		outbound:   args.Outbound,
		done:       args.Done,
		state:      StateStart,
		condition:  pdu.ConditionNoError,
		ackTimer:   newRetryTimer(cfg.AckTimeout, cfg.AckLimit),
		nakTimer:   newRetryTimer(cfg.NakTimeout, cfg.NakLimit),
		inactivity: newRetryTimer(cfg.InactivityTimeout, 0),
		tempPath:   fmt.Sprintf(".tx_%d_%d.part", args.ID.Source, args.ID.Seq),
		log: logrus.WithFields(logrus.Fields{
			"transaction": args.ID,
			"role":        RoleReceiver,
			"mode":        args.Mode,
		}),
	}
}

// Commands returns the worker's mailbox.
func (t *Recv) Commands() chan<- Command { return t.cmds }

// ID returns the transaction identifier.
func (t *Recv) ID() pdu.TransactionID { return t.id }

// Run drives the transfer to a terminal state. It must be called exactly
// once, on its own goroutine.
func (t *Recv) Run(ctx context.Context) {
	defer func() {
		t.cleanup()
		t.done <- Completion{ID: t.id, Final: t.report()}
	}()

	t.log.Info("receive transaction starting")
	t.state = StateTransferring
	t.inactivity.start()
	if t.mode == pdu.ModeAcknowledged {
		t.nakTimer.start()
	}

	for t.state != StateClosed {
		select {
		case cmd := <-t.cmds:
			t.handleCommand(cmd)
		case <-t.nakTimer.C():
			t.onNakTimeout()
		case <-t.ackTimer.C():
			t.onAckTimeout()
		case <-t.inactivity.C():
			t.fault(pdu.ConditionInactivityDetected)
		case <-ctx.Done():
			t.condition = pdu.ConditionCancelReceived
			t.close()
		}
	}
}

func (t *Recv) handleCommand(cmd Command) {
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
			t.nakTimer.stop()
			t.inactivity.stop()
		}
	case CmdResume:
		if t.suspended {
			t.log.Info("resumed")
			t.suspended = false
			t.inactivity.start()
			if t.state == StateAwaitingAck {
				t.sendFinished()
				t.ackTimer.start()
			} else if t.mode == pdu.ModeAcknowledged {
				t.nakTimer.start()
			}
		}
	case CmdReport:
		cmd.Reply <- t.report()
	}
}

func (t *Recv) handlePDU(p *pdu.PDU) {
	if t.state != StateClosed && !t.suspended {
		t.inactivity.arm()
	}
	switch p.Directive {
	case pdu.DirectiveMetadata:
		t.onMetadata(p.Metadata)
	case pdu.DirectiveFileData:
		t.onFileData(p.FileData)
	case pdu.DirectiveEOF:
		t.onEOF(p.EOF)
	case pdu.DirectiveACK:
		if p.ACK.Of == pdu.DirectiveFinished && t.state == StateAwaitingAck {
			t.log.Debug("Finished acknowledged")
			t.ackTimer.stop()
			t.state = StateFinished
			t.close()
		}
	default:
		t.log.WithField("directive", p.Directive).Debug("ignoring unexpected directive")
	}
}

func (t *Recv) onMetadata(m *pdu.Metadata) {
	if t.metadata == nil {
		t.metadata = m
		if !t.eofReceived {
			t.fileSize = m.FileSize
		}
		t.nakTimer.resetCount()
		t.log.WithFields(logrus.Fields{
			"destination": m.DestinationPath,
			"size":        m.FileSize,
		}).Info("metadata received")
	}
	t.checkComplete()
}

func (t *Recv) onFileData(fd *pdu.FileData) {
	if t.finalized {
		return
	}
	if t.file == nil {
		f, err := t.store.Create(t.tempPath)
		if err != nil {
			t.log.WithError(err).Error("creating staging file")
			t.fault(pdu.ConditionFilestoreRejection)
			return
		}
		t.file = f
	}
	if t.eofReceived && fd.Offset+uint64(len(fd.Data)) > t.fileSize {
		t.log.WithField("offset", fd.Offset).Warn("file data beyond declared size")
		t.fault(pdu.ConditionFileSizeError)
		return
	}
	// Absolute-offset writes make duplicated or reordered segments harmless.
	if _, err := t.file.WriteAt(fd.Data, int64(fd.Offset)); err != nil {
		t.log.WithError(err).Error("writing staging file")
		t.fault(pdu.ConditionFilestoreRejection)
		return
	}
	before := t.tracker.received()
	t.tracker.add(fd.Offset, fd.Offset+uint64(len(fd.Data)))
	if t.tracker.received() > before {
		t.nakTimer.resetCount()
	}
	t.checkComplete()
}

func (t *Recv) onEOF(e *pdu.EOF) {
	if e.Condition != pdu.ConditionNoError {
		// Sender-side cancellation propagates through EOF.
		t.log.WithField("condition", e.Condition).Info("sender terminated transfer")
		t.condition = e.Condition
		t.close()
		return
	}
	first := !t.eofReceived
	t.eofReceived = true
	t.eofChecksum = e.Checksum
	t.fileSize = e.FileSize
	if t.state == StateTransferring {
		t.state = StateEOFExchanged
	}
	if t.mode == pdu.ModeAcknowledged {
		// Always acknowledge, including duplicates whose earlier ACK was lost.
		t.sendAckEOF()
	}
	if first {
		t.log.WithFields(logrus.Fields{
			"size":     e.FileSize,
			"checksum": e.Checksum,
		}).Debug("EOF received")
		if t.mode == pdu.ModeAcknowledged && !t.dataComplete() {
			t.sendNAK()
			t.nakTimer.arm()
		}
	}
	t.checkComplete()
}

// dataComplete reports whether metadata and every file byte have arrived.
func (t *Recv) dataComplete() bool {
	return t.metadata != nil && t.eofReceived && t.tracker.complete(t.fileSize)
}

// checkComplete finalizes the transfer once everything has arrived.
func (t *Recv) checkComplete() {
	if t.finalized || t.state == StateClosed {
		return
	}
	if t.mode == pdu.ModeUnacknowledged {
		// Best effort: the EOF ends the transfer with whatever arrived.
		if t.eofReceived {
			t.finalize()
			t.state = StateFinished
			t.close()
		}
		return
	}
	if !t.dataComplete() {
		return
	}
	t.finalize()
	t.nakTimer.stop()
	t.sendFinished()
	t.state = StateAwaitingAck
	t.ackTimer.start()
}

// finalize verifies the staged file, executes filestore side-requests and
// moves the file to its destination path.
func (t *Recv) finalize() {
	t.finalized = true

	// A zero-byte file, or a best-effort transfer where no data arrived,
	// still delivers a (possibly empty) file.
	if t.file == nil {
		f, err := t.store.Create(t.tempPath)
		if err != nil {
			t.log.WithError(err).Error("creating staging file")
			t.condition = pdu.ConditionFilestoreRejection
			return
		}
		t.file = f
	}

	sum, err := pdu.Checksum(io.NewSectionReader(t.file, 0, int64(t.fileSize)))
	if err != nil {
		t.log.WithError(err).Error("checksumming staged file")
		t.condition = pdu.ConditionFilestoreRejection
		return
	}
	if t.mode == pdu.ModeAcknowledged && sum != t.eofChecksum {
		t.log.WithFields(logrus.Fields{
			"want": t.eofChecksum,
			"got":  sum,
		}).Warn("file checksum mismatch")
		t.condition = pdu.ConditionFileChecksumFailure
		return
	}

	dest := t.tempPath
	if t.metadata != nil && t.metadata.DestinationPath != "" {
		dest = t.metadata.DestinationPath
	}
	t.file.Close()
	t.file = nil
	if err := t.store.Rename(t.tempPath, dest); err != nil {
		t.log.WithError(err).Error("placing delivered file")
		t.condition = pdu.ConditionFilestoreRejection
		return
	}
	t.delivered = true

	if t.metadata != nil {
		for _, req := range t.metadata.FileStoreRequests {
			if err := t.store.Execute(req); err != nil {
				t.log.WithError(err).Warn("filestore request failed")
				t.condition = pdu.ConditionFilestoreRejection
				return
			}
		}
	}

	t.log.WithField("destination", dest).Info("file delivered")
}

func (t *Recv) onNakTimeout() {
	if t.state != StateTransferring && t.state != StateEOFExchanged {
		return
	}
	missing := t.missingSegments()
	if len(missing) == 0 {
		// Nothing to claim yet; keep watching without counting a round.
		t.nakTimer.arm()
		return
	}
	if t.nakTimer.expired() {
		t.log.WithField("limit", t.cfg.NakLimit).Warn("NAK limit reached")
		t.fault(pdu.ConditionNakLimitReached)
		return
	}
	t.sendNAK()
	t.nakTimer.arm()
}

func (t *Recv) onAckTimeout() {
	if t.state != StateAwaitingAck {
		return
	}
	if t.ackTimer.expired() {
		t.log.WithField("limit", t.cfg.AckLimit).Warn("acknowledgment limit reached")
		t.fault(pdu.ConditionPositiveLimitReached)
		return
	}
	t.log.Debug("acknowledgment timeout, retransmitting Finished")
	t.sendFinished()
	t.ackTimer.arm()
}

// missingSegments enumerates exactly what is still absent: a zero segment
// when Metadata is missing, then every file gap below the known scope.
func (t *Recv) missingSegments() []pdu.Segment {
	var segs []pdu.Segment
	if t.metadata == nil {
		segs = append(segs, pdu.Segment{})
	}
	scope := t.fileSize
	if !t.eofReceived {
		scope = t.tracker.highest()
	}
	segs = append(segs, t.tracker.missing(scope)...)
	return segs
}

func (t *Recv) sendNAK() {
	missing := t.missingSegments()
	if len(missing) == 0 {
		return
	}
	scope := t.fileSize
	if !t.eofReceived {
		scope = t.tracker.highest()
	}
	t.log.WithField("segments", len(missing)).Debug("requesting retransmission")
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveNAK,
		NAK:       &pdu.NAK{Start: 0, End: scope, Segments: missing},
	})
}

func (t *Recv) sendAckEOF() {
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveACK,
		ACK:       &pdu.ACK{Of: pdu.DirectiveEOF, Condition: pdu.ConditionNoError},
	})
}

func (t *Recv) sendFinished() {
	delivery := pdu.DeliveryComplete
	status := pdu.FileStatusRetained
	if t.condition != pdu.ConditionNoError {
		delivery = pdu.DeliveryIncomplete
		status = pdu.FileStatusRejected
	}
	t.emit(&pdu.PDU{
		Header:    t.header(),
		Directive: pdu.DirectiveFinished,
		Finished:  &pdu.Finished{Condition: t.condition, Delivery: delivery, Status: status},
	})
}

func (t *Recv) emit(p *pdu.PDU) {
	t.outbound <- transport.Outbound{Destination: t.id.Source, PDU: p}
}

// header keeps the originating entity in the source field so both sides
// derive the same transaction identifier from any PDU.
func (t *Recv) header() pdu.Header {
	return pdu.Header{
		Source:      t.id.Source,
		Destination: t.local,
		Seq:         t.id.Seq,
		Mode:        t.mode,
	}
}

func (t *Recv) fault(cond pdu.Condition) {
	t.log.WithField("condition", cond).Warn("transaction fault")
	t.condition = cond
	t.close()
}

func (t *Recv) close() {
	t.ackTimer.stop()
	t.nakTimer.stop()
	t.inactivity.stop()
	t.state = StateClosed
}

// cleanup discards the staging file when the transfer was not delivered.
func (t *Recv) cleanup() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	if !t.delivered {
		if err := t.store.Delete(t.tempPath); err != nil {
			t.log.WithError(err).Debug("removing staging file")
		}
	}
}

func (t *Recv) report() *Report {
	total := t.fileSize
	if total == 0 && t.metadata != nil {
		total = t.metadata.FileSize
	}
	return &Report{
		ID:        t.id,
		Role:      RoleReceiver,
		Mode:      t.mode,
		State:     t.state,
		Condition: t.condition,
		Progress:  t.tracker.received(),
		Total:     total,
	}
}
