package transaction

import (
	"fmt"

	"github.com/stellarlink/cfdp/pdu"
)

// CommandKind tags a Command delivered from the daemon to a worker.
type CommandKind uint8

const (
	// CmdPDU delivers an inbound protocol data unit.
	CmdPDU CommandKind = iota
	// CmdCancel aborts the transfer.
	CmdCancel
	// CmdSuspend freezes timers and outbound traffic.
	CmdSuspend
	// CmdResume restarts a suspended transfer.
	CmdResume
	// CmdReport requests a point-in-time status snapshot on Reply.
	CmdReport
)

// String returns the command name used in logs and errors.
func (k CommandKind) String() string {
	switch k {
	case CmdPDU:
		return "DeliverPDU"
	case CmdCancel:
		return "Cancel"
	case CmdSuspend:
		return "Suspend"
	case CmdResume:
		return "Resume"
	case CmdReport:
		return "Report"
	default:
		return fmt.Sprintf("Command(%d)", uint8(k))
	}
}

// Command is one message on a worker's mailbox. PDU is set for CmdPDU and
// Reply for CmdReport.
type Command struct {
	Kind  CommandKind
	PDU   *pdu.PDU
	Reply chan<- *Report
}

// Role distinguishes the two state machine variants.
type Role uint8

const (
	// RoleSender originates the file.
	RoleSender Role = iota
	// RoleReceiver stores the file.
	RoleReceiver
)

// String returns the role name used in logs.
func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// State is the abstract progress of a transaction. Senders pass through
// AwaitingAck while their EOF acknowledgment is outstanding and reach
// EOFExchanged once it arrives; receivers reach EOFExchanged when EOF
// arrives and AwaitingAck while their Finished acknowledgment is
// outstanding. Unacknowledged transfers skip AwaitingAck entirely.
type State uint8

const (
	// StateStart is the state before any PDU has moved.
	StateStart State = iota
	// StateTransferring covers metadata and file data movement.
	StateTransferring
	// StateEOFExchanged means the EOF directive has been exchanged.
	StateEOFExchanged
	// StateAwaitingAck means a control PDU acknowledgment is outstanding.
	StateAwaitingAck
	// StateFinished means the Finished exchange has concluded.
	StateFinished
	// StateClosed is terminal; the worker has stopped.
	StateClosed
)

// String returns the state name used in logs and reports.
func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateTransferring:
		return "Transferring"
	case StateEOFExchanged:
		return "EOFExchanged"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateFinished:
		return "Finished"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Report is a point-in-time snapshot of one transaction.
type Report struct {
	ID        pdu.TransactionID
	Role      Role
	Mode      pdu.TransmissionMode
	State     State
	Condition pdu.Condition
	Progress  uint64
	Total     uint64
}

// Completion notifies the daemon that a worker reached a terminal state.
// Final carries the worker's last report so the outcome stays observable
// after the worker is reaped.
type Completion struct {
	ID    pdu.TransactionID
	Final *Report
}
