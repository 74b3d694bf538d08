package pdu

import "fmt"

// EntityID identifies one protocol participant. It is used purely as a
// routing key; the value space is assigned by mission configuration.
type EntityID uint16

// TransactionID uniquely identifies one file transfer for the life of the
// originating daemon process. The sequence number is assigned monotonically
// by the originating entity and is never reused.
type TransactionID struct {
	Source EntityID
	Seq    uint32
}

// String renders the identifier as "source:sequence".
func (id TransactionID) String() string {
	return fmt.Sprintf("%d:%d", id.Source, id.Seq)
}

// Directive is the kind of a protocol data unit.
type Directive uint8

const (
	// DirectiveMetadata opens a transaction and names the file being moved.
	DirectiveMetadata Directive = iota + 1
	// DirectiveFileData carries one segment of file content at an absolute offset.
	DirectiveFileData
	// DirectiveEOF marks the end of file transmission and carries the checksum.
	DirectiveEOF
	// DirectiveACK acknowledges an EOF or Finished directive.
	DirectiveACK
	// DirectiveFinished reports transfer completion from the receiving side.
	DirectiveFinished
	// DirectiveNAK enumerates byte ranges the receiver is still missing.
	DirectiveNAK
)

// String returns the directive name used in logs.
func (d Directive) String() string {
	switch d {
	case DirectiveMetadata:
		return "Metadata"
	case DirectiveFileData:
		return "FileData"
	case DirectiveEOF:
		return "EOF"
	case DirectiveACK:
		return "ACK"
	case DirectiveFinished:
		return "Finished"
	case DirectiveNAK:
		return "NAK"
	default:
		return fmt.Sprintf("Directive(%d)", uint8(d))
	}
}

// TransmissionMode selects whether the retransmission and timer machinery
// is engaged for a transaction.
type TransmissionMode uint8

const (
	// ModeAcknowledged engages ACK timers, NAK gap recovery and retry limits.
	ModeAcknowledged TransmissionMode = iota
	// ModeUnacknowledged performs a single best-effort pass with no recovery.
	ModeUnacknowledged
)

// String returns the mode name used in logs.
func (m TransmissionMode) String() string {
	if m == ModeUnacknowledged {
		return "Unacknowledged"
	}
	return "Acknowledged"
}

// Condition is the terminal or fault outcome code of a transaction,
// reported to the user through status reports.
type Condition uint8

const (
	// ConditionNoError indicates nominal completion.
	ConditionNoError Condition = iota
	// ConditionPositiveLimitReached indicates an awaited acknowledgment
	// timed out more than the configured number of times.
	ConditionPositiveLimitReached
	// ConditionKeepAliveLimitReached indicates keep-alive discrepancy limits
	// were exceeded.
	ConditionKeepAliveLimitReached
	// ConditionInvalidTransmissionMode indicates a mode the endpoint cannot serve.
	ConditionInvalidTransmissionMode
	// ConditionFilestoreRejection indicates the filestore refused an operation.
	ConditionFilestoreRejection
	// ConditionFileChecksumFailure indicates the delivered file failed verification.
	ConditionFileChecksumFailure
	// ConditionFileSizeError indicates delivered data beyond the declared size.
	ConditionFileSizeError
	// ConditionNakLimitReached indicates gap recovery gave up after the
	// configured number of NAK rounds.
	ConditionNakLimitReached
	// ConditionInactivityDetected indicates no protocol activity within the
	// configured inactivity window.
	ConditionInactivityDetected
	// ConditionCancelReceived indicates the transaction was cancelled.
	ConditionCancelReceived
	// ConditionSuspendReceived indicates the transaction was suspended when
	// it reached a terminal state.
	ConditionSuspendReceived
)

// String returns the condition name used in logs and reports.
func (c Condition) String() string {
	switch c {
	case ConditionNoError:
		return "NoError"
	case ConditionPositiveLimitReached:
		return "PositiveLimitReached"
	case ConditionKeepAliveLimitReached:
		return "KeepAliveLimitReached"
	case ConditionInvalidTransmissionMode:
		return "InvalidTransmissionMode"
	case ConditionFilestoreRejection:
		return "FilestoreRejection"
	case ConditionFileChecksumFailure:
		return "FileChecksumFailure"
	case ConditionFileSizeError:
		return "FileSizeError"
	case ConditionNakLimitReached:
		return "NakLimitReached"
	case ConditionInactivityDetected:
		return "InactivityDetected"
	case ConditionCancelReceived:
		return "CancelReceived"
	case ConditionSuspendReceived:
		return "SuspendReceived"
	default:
		return fmt.Sprintf("Condition(%d)", uint8(c))
	}
}

// DeliveryCode reports whether all file data was delivered.
type DeliveryCode uint8

const (
	// DeliveryComplete indicates every byte of the file arrived.
	DeliveryComplete DeliveryCode = iota
	// DeliveryIncomplete indicates the transfer ended with data missing.
	DeliveryIncomplete
)

// FileStatus reports the disposition of the delivered file.
type FileStatus uint8

const (
	// FileStatusRetained indicates the file was stored at the destination path.
	FileStatusRetained FileStatus = iota
	// FileStatusRejected indicates the file was discarded.
	FileStatusRejected
	// FileStatusUnreported indicates no file was involved.
	FileStatusUnreported
)

// FileStoreAction is a filestore side-request carried in Metadata and
// executed by the receiving entity after successful delivery.
type FileStoreAction uint8

const (
	// ActionCreateFile creates an empty file.
	ActionCreateFile FileStoreAction = iota
	// ActionDeleteFile removes a file.
	ActionDeleteFile
	// ActionRenameFile renames First to Second.
	ActionRenameFile
	// ActionCreateDirectory creates a directory.
	ActionCreateDirectory
	// ActionRemoveDirectory removes a directory.
	ActionRemoveDirectory
)

// FileStoreRequest is one filestore side-request. Second is only meaningful
// for actions taking two operands.
type FileStoreRequest struct {
	Action FileStoreAction
	First  string
	Second string
}

// Segment is a half-open byte range [Start, End). The zero segment requests
// retransmission of the Metadata PDU in a NAK.
type Segment struct {
	Start uint64
	End   uint64
}

// Header is the fixed portion of every PDU.
type Header struct {
	Source      EntityID
	Destination EntityID
	Seq         uint32
	Mode        TransmissionMode
}

// TransactionID returns the transaction the PDU belongs to. The transaction
// is always identified by its originating (sending) entity, regardless of
// which direction the PDU travels.
func (h Header) TransactionID() TransactionID {
	return TransactionID{Source: h.Source, Seq: h.Seq}
}

// Metadata names the file being transferred and carries side-requests.
type Metadata struct {
	FileSize          uint64
	SourcePath        string
	DestinationPath   string
	FileStoreRequests []FileStoreRequest
	UserMessages      [][]byte
}

// FileData carries one segment of file content at an absolute offset.
// Re-delivery of the same segment is idempotent at the receiver.
type FileData struct {
	Offset uint64
	Data   []byte
}

// EOF marks the end of file transmission.
type EOF struct {
	Condition Condition
	Checksum  uint32
	FileSize  uint64
}

// ACK acknowledges an EOF or Finished directive.
type ACK struct {
	Of        Directive
	Condition Condition
}

// Finished reports the receiving side's disposition of the transfer.
type Finished struct {
	Condition Condition
	Delivery  DeliveryCode
	Status    FileStatus
}

// NAK enumerates the byte ranges still missing at the receiver within the
// scope [Start, End). A zero segment requests the Metadata PDU.
type NAK struct {
	Start    uint64
	End      uint64
	Segments []Segment
}

// PDU is one decoded protocol data unit. Exactly one payload field is set,
// matching Directive.
type PDU struct {
	Header    Header
	Directive Directive

	Metadata *Metadata
	FileData *FileData
	EOF      *EOF
	ACK      *ACK
	Finished *Finished
	NAK      *NAK
}
