package transaction

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlink/cfdp/filestore"
	"github.com/stellarlink/cfdp/pdu"
	"github.com/stellarlink/cfdp/transport"
)

func fastConfig() Config {
	return Config{
		AckTimeout:        50 * time.Millisecond,
		AckLimit:          3,
		NakTimeout:        25 * time.Millisecond,
		NakLimit:          10,
		InactivityTimeout: 5 * time.Second,
		SegmentSize:       64,
		Linger:            200 * time.Millisecond,
	}
}

func storeWithFile(t *testing.T, path string, size int) (*filestore.NativeFileStore, []byte) {
	t.Helper()
	fs, err := filestore.NewNativeFileStore(t.TempDir())
	require.NoError(t, err)

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(fs.NativePath(path), data, 0o644))
	return fs, data
}

func deliver(w interface{ Commands() chan<- Command }, p *pdu.PDU) {
	w.Commands() <- Command{Kind: CmdPDU, PDU: p}
}

// TestSendRecvLoopback wires a sender and receiver directly together and
// checks a complete acknowledged transfer, terminal states included.
func TestSendRecvLoopback(t *testing.T) {
	senderStore, data := storeWithFile(t, "src.bin", 300)
	recvStore, err := filestore.NewNativeFileStore(t.TempDir())
	require.NoError(t, err)

	id := pdu.TransactionID{Source: 0, Seq: 1}
	outS := make(chan transport.Outbound, 256)
	outR := make(chan transport.Outbound, 256)
	done := make(chan Completion, 2)

	snd, err := NewSend(SendArgs{
		ID: id, Remote: 1, Mode: pdu.ModeAcknowledged,
		SourcePath: "src.bin", DestinationPath: "dst.bin",
		Store: senderStore, Config: fastConfig(),
		Outbound: outS, Done: done,
	})
	require.NoError(t, err)

	rcv := NewRecv(RecvArgs{
		ID: id, Local: 1, Mode: pdu.ModeAcknowledged,
		Store: recvStore, Config: fastConfig(),
		Outbound: outR, Done: done,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go snd.Run(ctx)
	go rcv.Run(ctx)

	// Shuttle PDUs between the two workers until both report done.
	finals := map[Role]*Report{}
	timeout := time.After(10 * time.Second)
	for len(finals) < 2 {
		select {
		case ob := <-outS:
			deliver(rcv, ob.PDU)
		case ob := <-outR:
			deliver(snd, ob.PDU)
		case c := <-done:
			finals[c.Final.Role] = c.Final
		case <-timeout:
			t.Fatal("transfer did not complete")
		}
	}

	assert.Equal(t, pdu.ConditionNoError, finals[RoleSender].Condition)
	assert.Equal(t, pdu.ConditionNoError, finals[RoleReceiver].Condition)
	assert.Equal(t, StateClosed, finals[RoleSender].State)

	got, err := os.ReadFile(recvStore.NativePath("dst.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestSendPositiveLimitReached drops everything the sender emits and checks
// that the EOF acknowledgment limit surfaces as PositiveLimitReached.
func TestSendPositiveLimitReached(t *testing.T) {
	store, _ := storeWithFile(t, "src.bin", 100)

	out := make(chan transport.Outbound, 1024)
	done := make(chan Completion, 1)

	snd, err := NewSend(SendArgs{
		ID: pdu.TransactionID{Source: 0, Seq: 2}, Remote: 1,
		Mode: pdu.ModeAcknowledged, SourcePath: "src.bin", DestinationPath: "dst.bin",
		Store: store, Config: fastConfig(),
		Outbound: out, Done: done,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go snd.Run(ctx)

	eofs := 0
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ob := <-out:
			if ob.PDU.Directive == pdu.DirectiveEOF {
				eofs++
			}
		case c := <-done:
			// Count stragglers still sitting in the queue.
			for {
				select {
				case ob := <-out:
					if ob.PDU.Directive == pdu.DirectiveEOF {
						eofs++
					}
					continue
				default:
				}
				break
			}
			assert.Equal(t, pdu.ConditionPositiveLimitReached, c.Final.Condition)
			// Initial send plus AckLimit retransmissions.
			assert.Equal(t, fastConfig().AckLimit+1, eofs)
			return
		case <-timeout:
			t.Fatal("sender did not reach the acknowledgment limit")
		}
	}
}

// TestRecvIdempotentDuplicates re-delivers every PDU and checks the file
// and terminal condition are unchanged.
func TestRecvIdempotentDuplicates(t *testing.T) {
	store, err := filestore.NewNativeFileStore(t.TempDir())
	require.NoError(t, err)

	id := pdu.TransactionID{Source: 5, Seq: 9}
	out := make(chan transport.Outbound, 256)
	done := make(chan Completion, 1)

	rcv := NewRecv(RecvArgs{
		ID: id, Local: 1, Mode: pdu.ModeAcknowledged,
		Store: store, Config: fastConfig(),
		Outbound: out, Done: done,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rcv.Run(ctx)

	header := pdu.Header{Source: 5, Destination: 1, Seq: 9, Mode: pdu.ModeAcknowledged}
	content := []byte("idempotent delivery of file content!")
	meta := &pdu.PDU{Header: header, Directive: pdu.DirectiveMetadata, Metadata: &pdu.Metadata{
		FileSize: uint64(len(content)), SourcePath: "s", DestinationPath: "out.bin",
	}}
	fd := &pdu.PDU{Header: header, Directive: pdu.DirectiveFileData, FileData: &pdu.FileData{
		Offset: 0, Data: content,
	}}
	eof := &pdu.PDU{Header: header, Directive: pdu.DirectiveEOF, EOF: &pdu.EOF{
		Condition: pdu.ConditionNoError, Checksum: pdu.ChecksumBytes(content), FileSize: uint64(len(content)),
	}}

	// Everything twice, data out of order with respect to metadata.
	deliver(rcv, fd)
	deliver(rcv, meta)
	deliver(rcv, fd)
	deliver(rcv, meta)
	deliver(rcv, eof)
	deliver(rcv, eof)

	sawFinished := false
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ob := <-out:
			if ob.PDU.Directive == pdu.DirectiveFinished && !sawFinished {
				sawFinished = true
				assert.Equal(t, pdu.ConditionNoError, ob.PDU.Finished.Condition)
				deliver(rcv, &pdu.PDU{Header: header, Directive: pdu.DirectiveACK, ACK: &pdu.ACK{
					Of: pdu.DirectiveFinished, Condition: pdu.ConditionNoError,
				}})
			}
		case c := <-done:
			require.True(t, sawFinished)
			assert.Equal(t, pdu.ConditionNoError, c.Final.Condition)
			assert.Equal(t, uint64(len(content)), c.Final.Progress)

			got, err := os.ReadFile(store.NativePath("out.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)
			return
		case <-timeout:
			t.Fatal("receiver did not complete")
		}
	}
}

// TestRecvNAKsMissingMetadata checks that a receiver spawned by file data
// alone claims the Metadata PDU with a zero segment.
func TestRecvNAKsMissingMetadata(t *testing.T) {
	store, err := filestore.NewNativeFileStore(t.TempDir())
	require.NoError(t, err)

	out := make(chan transport.Outbound, 256)
	done := make(chan Completion, 1)
	rcv := NewRecv(RecvArgs{
		ID: pdu.TransactionID{Source: 2, Seq: 3}, Local: 1, Mode: pdu.ModeAcknowledged,
		Store: store, Config: fastConfig(),
		Outbound: out, Done: done,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rcv.Run(ctx)
	defer func() { rcv.Commands() <- Command{Kind: CmdCancel} }()

	header := pdu.Header{Source: 2, Destination: 1, Seq: 3, Mode: pdu.ModeAcknowledged}
	deliver(rcv, &pdu.PDU{Header: header, Directive: pdu.DirectiveFileData, FileData: &pdu.FileData{
		Offset: 0, Data: []byte("abcd"),
	}})

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ob := <-out:
			if ob.PDU.Directive == pdu.DirectiveNAK {
				require.NotEmpty(t, ob.PDU.NAK.Segments)
				assert.Equal(t, pdu.Segment{}, ob.PDU.NAK.Segments[0])
				return
			}
		case <-timeout:
			t.Fatal("receiver never requested the missing metadata")
		}
	}
}

// TestUnacknowledgedBestEffort checks that unacknowledged mode finishes on
// EOF with whatever arrived and emits no recovery traffic.
func TestUnacknowledgedBestEffort(t *testing.T) {
	store, err := filestore.NewNativeFileStore(t.TempDir())
	require.NoError(t, err)

	out := make(chan transport.Outbound, 256)
	done := make(chan Completion, 1)
	rcv := NewRecv(RecvArgs{
		ID: pdu.TransactionID{Source: 0, Seq: 4}, Local: 1, Mode: pdu.ModeUnacknowledged,
		Store: store, Config: fastConfig(),
		Outbound: out, Done: done,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rcv.Run(ctx)

	header := pdu.Header{Source: 0, Destination: 1, Seq: 4, Mode: pdu.ModeUnacknowledged}
	content := []byte("partial")
	deliver(rcv, &pdu.PDU{Header: header, Directive: pdu.DirectiveMetadata, Metadata: &pdu.Metadata{
		FileSize: 100, DestinationPath: "best.bin",
	}})
	deliver(rcv, &pdu.PDU{Header: header, Directive: pdu.DirectiveFileData, FileData: &pdu.FileData{
		Offset: 0, Data: content,
	}})
	// Most of the file is lost; EOF still ends the transfer.
	deliver(rcv, &pdu.PDU{Header: header, Directive: pdu.DirectiveEOF, EOF: &pdu.EOF{
		Condition: pdu.ConditionNoError, Checksum: 0, FileSize: 100,
	}})

	select {
	case c := <-done:
		assert.Equal(t, pdu.ConditionNoError, c.Final.Condition)
	case <-time.After(10 * time.Second):
		t.Fatal("unacknowledged receiver did not finish on EOF")
	}

	select {
	case ob := <-out:
		t.Fatalf("unexpected recovery traffic: %v", ob.PDU.Directive)
	default:
	}

	_, statErr := os.Stat(store.NativePath("best.bin"))
	assert.NoError(t, statErr)
}

// TestSuspendResume freezes a sender mid-transfer and checks it picks the
// acknowledgment wait back up on resume.
func TestSuspendResume(t *testing.T) {
	store, _ := storeWithFile(t, "src.bin", 64)

	out := make(chan transport.Outbound, 1024)
	done := make(chan Completion, 1)
	snd, err := NewSend(SendArgs{
		ID: pdu.TransactionID{Source: 0, Seq: 5}, Remote: 1,
		Mode: pdu.ModeAcknowledged, SourcePath: "src.bin", DestinationPath: "d",
		Store: store, Config: fastConfig(),
		Outbound: out, Done: done,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go snd.Run(ctx)

	// Wait for the first EOF, then suspend before any ACK arrives.
	timeout := time.After(10 * time.Second)
	for sawEOF := false; !sawEOF; {
		select {
		case ob := <-out:
			sawEOF = ob.PDU.Directive == pdu.DirectiveEOF
		case <-timeout:
			t.Fatal("sender never sent EOF")
		}
	}
	snd.Commands() <- Command{Kind: CmdSuspend}

	// The report reply confirms the suspend was processed; commands are
	// handled in order.
	reply := make(chan *Report, 1)
	snd.Commands() <- Command{Kind: CmdReport, Reply: reply}
	rep := <-reply
	assert.Equal(t, StateAwaitingAck, rep.State)

	// Drain anything emitted before the suspend took effect, then check the
	// ACK timer stays silent.
drained:
	for {
		select {
		case <-out:
		default:
			break drained
		}
	}
	time.Sleep(4 * fastConfig().AckTimeout)
	select {
	case ob := <-out:
		t.Fatalf("suspended sender emitted %v", ob.PDU.Directive)
	default:
	}

	snd.Commands() <- Command{Kind: CmdResume}
	select {
	case ob := <-out:
		assert.Equal(t, pdu.DirectiveEOF, ob.PDU.Directive)
	case <-time.After(10 * time.Second):
		t.Fatal("resumed sender did not retransmit EOF")
	}

	snd.Commands() <- Command{Kind: CmdCancel}
	select {
	case c := <-done:
		assert.Equal(t, pdu.ConditionCancelReceived, c.Final.Condition)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled sender did not stop")
	}
}
