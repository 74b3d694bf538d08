package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlink/cfdp/pdu"
)

func testPDU(directive pdu.Directive) *pdu.PDU {
	p := &pdu.PDU{
		Header:    pdu.Header{Source: 0, Destination: 1, Seq: 1, Mode: pdu.ModeAcknowledged},
		Directive: directive,
	}
	switch directive {
	case pdu.DirectiveEOF:
		p.EOF = &pdu.EOF{Condition: pdu.ConditionNoError, Checksum: 42, FileSize: 100}
	case pdu.DirectiveACK:
		p.ACK = &pdu.ACK{Of: pdu.DirectiveEOF, Condition: pdu.ConditionNoError}
	case pdu.DirectiveFileData:
		p.FileData = &pdu.FileData{Offset: 0, Data: []byte("abc")}
	}
	return p
}

// udpPair binds two loopback sockets routed at each other as entities 0 and 1.
func udpPair(t *testing.T) (*UDPTransport, *UDPTransport) {
	t.Helper()
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { connA.Close(); connB.Close() })

	routes := map[pdu.EntityID]net.Addr{
		0: connA.LocalAddr(),
		1: connB.LocalAddr(),
	}
	return NewUDPTransportConn(connA, routes), NewUDPTransportConn(connB, routes)
}

func TestUDPRequestUnknownEntity(t *testing.T) {
	a, _ := udpPair(t)
	err := a.Request(99, testPDU(pdu.DirectiveACK))
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestUDPHandlerDelivers(t *testing.T) {
	a, b := udpPair(t)
	require.True(t, a.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inboundA := make(chan *pdu.PDU, 8)
	inboundB := make(chan *pdu.PDU, 8)
	outboundA := make(chan Outbound, 8)
	outboundB := make(chan Outbound, 8)

	go a.PDUHandler(ctx, inboundA, outboundA, 0)
	go b.PDUHandler(ctx, inboundB, outboundB, 0)

	outboundA <- Outbound{Destination: 1, PDU: testPDU(pdu.DirectiveEOF)}

	select {
	case got := <-inboundB:
		assert.Equal(t, pdu.DirectiveEOF, got.Directive)
		assert.Equal(t, uint32(42), got.EOF.Checksum)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for PDU delivery")
	}
}

func TestUDPHandlerDropsMalformed(t *testing.T) {
	a, b := udpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan *pdu.PDU, 8)
	outbound := make(chan Outbound, 8)
	go b.PDUHandler(ctx, inbound, outbound, 0)

	// Garbage first, then a valid PDU: the loop must survive the garbage.
	_, err := a.conn.WriteTo([]byte{0xde, 0xad}, b.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, a.Request(1, testPDU(pdu.DirectiveACK)))

	select {
	case got := <-inbound:
		assert.Equal(t, pdu.DirectiveACK, got.Directive)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not survive malformed datagram")
	}
}

func TestUDPHandlerStopsOnClosedOutbound(t *testing.T) {
	a, _ := udpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan *pdu.PDU, 8)
	outbound := make(chan Outbound)
	close(outbound)

	errCh := make(chan error, 1)
	go func() { errCh <- a.PDUHandler(ctx, inbound, outbound, 0) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrOutboundClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not stop on disconnected outbound queue")
	}
}

func TestDropSchedule(t *testing.T) {
	t.Run("once", func(t *testing.T) {
		s := NewDropSchedule(DropOnce, pdu.DirectiveEOF)
		assert.True(t, s.Drop(testPDU(pdu.DirectiveEOF)))
		assert.False(t, s.Drop(testPDU(pdu.DirectiveEOF)))
		assert.False(t, s.Drop(testPDU(pdu.DirectiveACK)))
	})

	t.Run("all", func(t *testing.T) {
		s := NewDropSchedule(DropAll, pdu.DirectiveACK, pdu.DirectiveFinished)
		assert.True(t, s.Drop(testPDU(pdu.DirectiveACK)))
		assert.True(t, s.Drop(testPDU(pdu.DirectiveACK)))
		assert.False(t, s.Drop(testPDU(pdu.DirectiveEOF)))
	})

	t.Run("every first", func(t *testing.T) {
		s := NewDropSchedule(DropEveryFirst)
		assert.True(t, s.Drop(testPDU(pdu.DirectiveEOF)))
		assert.True(t, s.Drop(testPDU(pdu.DirectiveACK)))
		assert.False(t, s.Drop(testPDU(pdu.DirectiveEOF)))
		assert.False(t, s.Drop(testPDU(pdu.DirectiveACK)))
	})
}

func TestStreamTransportReassembly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	st := NewStreamTransport(server, []pdu.EntityID{0})
	require.True(t, st.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan *pdu.PDU, 8)
	outbound := make(chan Outbound, 8)
	done := make(chan error, 1)
	go func() { done <- st.PDUHandler(ctx, inbound, outbound, 0) }()

	peer := NewStreamTransport(client, []pdu.EntityID{1})
	require.NoError(t, peer.Request(1, testPDU(pdu.DirectiveFileData)))
	require.NoError(t, peer.Request(1, testPDU(pdu.DirectiveEOF)))

	for _, want := range []pdu.Directive{pdu.DirectiveFileData, pdu.DirectiveEOF} {
		select {
		case got := <-inbound:
			assert.Equal(t, want, got.Directive)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	// Peer hanging up is fatal for a stream line.
	client.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not stop on closed line")
	}
}
