package daemon

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/stellarlink/cfdp/filestore"
	"github.com/stellarlink/cfdp/pdu"
	"github.com/stellarlink/cfdp/transaction"
	"github.com/stellarlink/cfdp/transport"
)

// outboundQueueLen bounds the per-transport staging queue between the
// daemon loop and a transport handler.
const outboundQueueLen = 1024

// PutRequest asks the daemon to originate one file transfer.
type PutRequest struct {
	SourcePath        string
	DestinationPath   string
	DestinationEntity pdu.EntityID
	Mode              pdu.TransmissionMode
	FileStoreRequests []pdu.FileStoreRequest
	UserMessages      [][]byte
}

// handle is the daemon's view of a running worker.
type handle struct {
	role transaction.Role
	cmds chan<- transaction.Command
}

// transportEntry binds one transport to the remote entities it serves.
type transportEntry struct {
	transport transport.PDUTransport
	entities  []pdu.EntityID
	queue     chan transport.Outbound
	down      bool
}

type transportDown struct {
	entry *transportEntry
	err   error
}

type requestKind uint8

const (
	reqPut requestKind = iota
	reqReport
	reqCommand
)

type putReply struct {
	id  pdu.TransactionID
	err error
}

// request is one user API call marshalled onto the daemon loop.
type request struct {
	kind    requestKind
	put     PutRequest
	id      pdu.TransactionID
	command transaction.CommandKind

	putReply    chan putReply
	reportReply chan *transaction.Report
	errReply    chan error
}

// Daemon is the per-entity coordinator. Construct with New, register
// transports with AddTransport, then call Start. All internal maps belong
// to the loop goroutine; the exported methods communicate with it over
// channels and are safe for concurrent use.
type Daemon struct {
	entity pdu.EntityID
	store  filestore.FileStore
	cfg    transaction.Config

	entries []*transportEntry
	routes  map[pdu.EntityID]*transportEntry

	inbound  chan *pdu.PDU
	outbound chan transport.Outbound
	doneCh   chan transaction.Completion
	downCh   chan transportDown
	requests chan request
	stopped  chan struct{}

	handles map[pdu.TransactionID]*handle
	history map[pdu.TransactionID]*transaction.Report
	seq     uint32

	log *logrus.Entry
}

// New builds a daemon for one entity. cfg applies to every transaction the
// daemon spawns, in either role.
func New(entity pdu.EntityID, store filestore.FileStore, cfg transaction.Config) *Daemon {
	return &Daemon{
		entity:   entity,
		store:    store,
		cfg:      cfg,
		routes:   make(map[pdu.EntityID]*transportEntry),
		inbound:  make(chan *pdu.PDU, 64),
		outbound: make(chan transport.Outbound, 64),
		doneCh:   make(chan transaction.Completion, 16),
		downCh:   make(chan transportDown, 4),
		requests: make(chan request),
		stopped:  make(chan struct{}),
		handles:  make(map[pdu.TransactionID]*handle),
		history:  make(map[pdu.TransactionID]*transaction.Report),
		log:      logrus.WithField("entity", entity),
	}
}

// AddTransport registers a transport and the remote entities reachable
// through it. It must be called before Start; the routing table is frozen
// once the loop runs.
func (d *Daemon) AddTransport(t transport.PDUTransport, entities ...pdu.EntityID) {
	e := &transportEntry{
		transport: t,
		entities:  entities,
		queue:     make(chan transport.Outbound, outboundQueueLen),
	}
	d.entries = append(d.entries, e)
	for _, id := range entities {
		d.routes[id] = e
	}
}

// Start launches the transport handlers and the supervisory loop. The
// daemon runs until ctx is cancelled and every worker has been reaped.
func (d *Daemon) Start(ctx context.Context) {
	for _, e := range d.entries {
		go func(e *transportEntry) {
			err := e.transport.PDUHandler(ctx, d.inbound, e.queue, transport.DefaultBufferSize)
			select {
			case d.downCh <- transportDown{entry: e, err: err}:
			case <-d.stopped:
			}
		}(e)
	}
	go d.run(ctx)
}

// Done is closed once the loop has exited and all workers are reaped.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// Put originates a file transfer and returns its identifier. A filestore
// failure on the source file is returned as a SpawnSendError and affects
// only this request.
func (d *Daemon) Put(req PutRequest) (pdu.TransactionID, error) {
	reply := make(chan putReply, 1)
	r := request{kind: reqPut, put: req, putReply: reply}
	select {
	case d.requests <- r:
	case <-d.stopped:
		return pdu.TransactionID{}, ErrStopped
	}
	select {
	case pr := <-reply:
		return pr.id, pr.err
	case <-d.stopped:
		return pdu.TransactionID{}, ErrStopped
	}
}

// Report returns a status snapshot for the transaction. Live workers are
// queried directly; for reaped workers the final report is returned, so a
// terminal condition stays observable after the worker is gone. The result
// is nil for identifiers the daemon has never seen.
func (d *Daemon) Report(id pdu.TransactionID) (*transaction.Report, error) {
	reply := make(chan *transaction.Report, 1)
	r := request{kind: reqReport, id: id, reportReply: reply}
	select {
	case d.requests <- r:
	case <-d.stopped:
		return nil, ErrStopped
	}
	select {
	case rep := <-reply:
		return rep, nil
	case <-d.stopped:
		return nil, ErrStopped
	}
}

// Cancel aborts a running transaction.
func (d *Daemon) Cancel(id pdu.TransactionID) error {
	return d.deliverCommand(id, transaction.CmdCancel)
}

// Suspend freezes a running transaction's timers and outbound traffic.
func (d *Daemon) Suspend(id pdu.TransactionID) error {
	return d.deliverCommand(id, transaction.CmdSuspend)
}

// Resume restarts a suspended transaction.
func (d *Daemon) Resume(id pdu.TransactionID) error {
	return d.deliverCommand(id, transaction.CmdResume)
}

func (d *Daemon) deliverCommand(id pdu.TransactionID, kind transaction.CommandKind) error {
	reply := make(chan error, 1)
	r := request{kind: reqCommand, id: id, command: kind, errReply: reply}
	select {
	case d.requests <- r:
	case <-d.stopped:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-d.stopped:
		return ErrStopped
	}
}

// run is the supervisory loop. After ctx is cancelled it keeps draining
// worker traffic until every handle is reaped, so no worker blocks on its
// final emit or completion.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.stopped)

	d.log.WithField("transports", len(d.entries)).Info("daemon started")

	shutdown := ctx.Done()
	stopping := false
	for {
		if stopping && len(d.handles) == 0 {
			d.log.Info("daemon stopped")
			return
		}
		select {
		case p := <-d.inbound:
			d.dispatch(ctx, p)
		case ob := <-d.outbound:
			d.route(ob)
		case c := <-d.doneCh:
			d.reap(c)
		case td := <-d.downCh:
			d.transportFailed(td)
		case r := <-d.requests:
			d.handleRequest(ctx, r)
		case <-shutdown:
			shutdown = nil
			stopping = true
			d.log.WithField("active", len(d.handles)).Info("daemon stopping")
		}
	}
}

// dispatch routes one inbound PDU to its worker, spawning a receiver when
// the PDU opens a transaction we have not seen. Only receiver-bound
// directives spawn: a sender-bound PDU for an unknown transaction can only
// be a stale answer to a worker that already closed, and is dropped.
func (d *Daemon) dispatch(ctx context.Context, p *pdu.PDU) {
	id := p.Header.TransactionID()
	if h, ok := d.handles[id]; ok {
		d.deliverPDU(id, h, p)
		return
	}

	if p.Header.Source == d.entity {
		d.log.WithFields(logrus.Fields{
			"transaction": id,
			"directive":   p.Directive,
		}).Debug("dropping PDU for closed sender transaction")
		return
	}

	switch p.Directive {
	case pdu.DirectiveMetadata, pdu.DirectiveFileData, pdu.DirectiveEOF:
		rcv := transaction.NewRecv(transaction.RecvArgs{
			ID:       id,
			Local:    d.entity,
			Mode:     p.Header.Mode,
			Store:    d.store,
			Config:   d.cfg,
			Outbound: d.outbound,
			Done:     d.doneCh,
		})
		h := &handle{role: transaction.RoleReceiver, cmds: rcv.Commands()}
		d.handles[id] = h
		go rcv.Run(ctx)
		d.log.WithFields(logrus.Fields{
			"transaction": id,
			"directive":   p.Directive,
		}).Info("spawned receive transaction")
		d.deliverPDU(id, h, p)
	default:
		d.log.WithFields(logrus.Fields{
			"transaction": id,
			"directive":   p.Directive,
		}).Debug("dropping PDU for unknown transaction")
	}
}

// deliverPDU hands a PDU to a worker without blocking the loop. A full
// mailbox is treated like datagram loss; the protocol's own timers recover.
func (d *Daemon) deliverPDU(id pdu.TransactionID, h *handle, p *pdu.PDU) {
	select {
	case h.cmds <- transaction.Command{Kind: transaction.CmdPDU, PDU: p}:
	default:
		d.log.WithFields(logrus.Fields{
			"transaction": id,
			"directive":   p.Directive,
		}).Warn("worker mailbox full, dropping PDU")
	}
}

// route stages an outbound PDU on the queue of the transport serving its
// destination.
func (d *Daemon) route(ob transport.Outbound) {
	e, ok := d.routes[ob.Destination]
	if !ok {
		d.log.WithField("destination", ob.Destination).Warn("no transport for destination, dropping PDU")
		return
	}
	if e.down {
		d.log.WithField("destination", ob.Destination).Debug("transport down, dropping PDU")
		return
	}
	select {
	case e.queue <- ob:
	default:
		d.log.WithField("destination", ob.Destination).Warn("transport queue full, dropping PDU")
	}
}

// reap removes a finished worker and retains its final report.
func (d *Daemon) reap(c transaction.Completion) {
	delete(d.handles, c.ID)
	d.history[c.ID] = c.Final
	d.log.WithFields(logrus.Fields{
		"transaction": c.ID,
		"condition":   c.Final.Condition,
		"active":      len(d.handles),
	}).Info("transaction reaped")
}

func (d *Daemon) transportFailed(td transportDown) {
	td.entry.down = true
	if td.err != nil {
		d.log.WithError(td.err).WithField("entities", td.entry.entities).Error("transport handler exited")
	} else {
		d.log.WithField("entities", td.entry.entities).Info("transport handler exited")
	}
}

func (d *Daemon) handleRequest(ctx context.Context, r request) {
	switch r.kind {
	case reqPut:
		r.putReply <- d.spawnSend(ctx, r.put)
	case reqReport:
		h, ok := d.handles[r.id]
		if !ok {
			r.reportReply <- d.history[r.id]
			return
		}
		select {
		case h.cmds <- transaction.Command{Kind: transaction.CmdReport, Reply: r.reportReply}:
		default:
			// Worker is saturated; answer with what we know rather than
			// blocking the loop.
			r.reportReply <- nil
		}
	case reqCommand:
		h, ok := d.handles[r.id]
		if !ok {
			r.errReply <- &TransactionCommunicationError{ID: r.id, Command: r.command}
			return
		}
		select {
		case h.cmds <- transaction.Command{Kind: r.command}:
			r.errReply <- nil
		default:
			r.errReply <- &TransactionCommunicationError{ID: r.id, Command: r.command}
		}
	}
}

// spawnSend constructs and launches a sender worker for one put request.
func (d *Daemon) spawnSend(ctx context.Context, req PutRequest) putReply {
	d.seq++
	id := pdu.TransactionID{Source: d.entity, Seq: d.seq}
	snd, err := transaction.NewSend(transaction.SendArgs{
		ID:                id,
		Remote:            req.DestinationEntity,
		Mode:              req.Mode,
		SourcePath:        req.SourcePath,
		DestinationPath:   req.DestinationPath,
		FileStoreRequests: req.FileStoreRequests,
		UserMessages:      req.UserMessages,
		Store:             d.store,
		Config:            d.cfg,
		Outbound:          d.outbound,
		Done:              d.doneCh,
	})
	if err != nil {
		d.log.WithError(err).WithField("source", req.SourcePath).Error("put request rejected")
		return putReply{err: &SpawnSendError{Err: err}}
	}
	d.handles[id] = &handle{role: transaction.RoleSender, cmds: snd.Commands()}
	go snd.Run(ctx)
	d.log.WithFields(logrus.Fields{
		"transaction": id,
		"destination": req.DestinationEntity,
		"source":      req.SourcePath,
	}).Info("spawned send transaction")
	return putReply{id: id}
}
