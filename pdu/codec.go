package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the wire format version emitted by Encode. Decode rejects
// units carrying any other version byte.
const Version = 0x01

// headerLen is the encoded size of Version + Directive + Header.
const headerLen = 11

// MaxPathLen bounds the encoded length of a path carried in Metadata.
const MaxPathLen = 1024

var (
	// ErrTruncated indicates a unit too short for its declared contents.
	ErrTruncated = errors.New("pdu: truncated")

	// ErrBadVersion indicates an unsupported wire format version.
	ErrBadVersion = errors.New("pdu: unsupported version")

	// ErrUnknownDirective indicates an unrecognized directive code.
	ErrUnknownDirective = errors.New("pdu: unknown directive")

	// ErrPathTooLong indicates a path exceeding MaxPathLen.
	ErrPathTooLong = errors.New("pdu: path too long")
)

// Encode serializes the PDU into its versioned wire form.
func Encode(p *PDU) ([]byte, error) {
	buf := make([]byte, headerLen, headerLen+64)
	buf[0] = Version
	buf[1] = byte(p.Directive)
	binary.BigEndian.PutUint16(buf[2:4], uint16(p.Header.Source))
	binary.BigEndian.PutUint16(buf[4:6], uint16(p.Header.Destination))
	binary.BigEndian.PutUint32(buf[6:10], p.Header.Seq)
	buf[10] = byte(p.Header.Mode)

	switch p.Directive {
	case DirectiveMetadata:
		return encodeMetadata(buf, p.Metadata)
	case DirectiveFileData:
		buf = appendUint64(buf, p.FileData.Offset)
		return append(buf, p.FileData.Data...), nil
	case DirectiveEOF:
		buf = append(buf, byte(p.EOF.Condition))
		buf = appendUint32(buf, p.EOF.Checksum)
		return appendUint64(buf, p.EOF.FileSize), nil
	case DirectiveACK:
		return append(buf, byte(p.ACK.Of), byte(p.ACK.Condition)), nil
	case DirectiveFinished:
		return append(buf, byte(p.Finished.Condition), byte(p.Finished.Delivery), byte(p.Finished.Status)), nil
	case DirectiveNAK:
		buf = appendUint64(buf, p.NAK.Start)
		buf = appendUint64(buf, p.NAK.End)
		buf = appendUint32(buf, uint32(len(p.NAK.Segments)))
		for _, s := range p.NAK.Segments {
			buf = appendUint64(buf, s.Start)
			buf = appendUint64(buf, s.End)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirective, p.Directive)
	}
}

func encodeMetadata(buf []byte, m *Metadata) ([]byte, error) {
	if len(m.SourcePath) > MaxPathLen || len(m.DestinationPath) > MaxPathLen {
		return nil, ErrPathTooLong
	}
	buf = appendUint64(buf, m.FileSize)
	buf = appendString(buf, m.SourcePath)
	buf = appendString(buf, m.DestinationPath)
	buf = append(buf, byte(len(m.FileStoreRequests)))
	for _, r := range m.FileStoreRequests {
		buf = append(buf, byte(r.Action))
		buf = appendString(buf, r.First)
		buf = appendString(buf, r.Second)
	}
	buf = append(buf, byte(len(m.UserMessages)))
	for _, msg := range m.UserMessages {
		buf = appendUint16(buf, uint16(len(msg)))
		buf = append(buf, msg...)
	}
	return buf, nil
}

// Decode parses one wire unit back into a PDU. A malformed unit yields a
// typed error; callers treat decode failure as recoverable and drop the unit.
func Decode(data []byte) (*PDU, error) {
	if len(data) < headerLen {
		return nil, ErrTruncated
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %#x", ErrBadVersion, data[0])
	}
	p := &PDU{
		Directive: Directive(data[1]),
		Header: Header{
			Source:      EntityID(binary.BigEndian.Uint16(data[2:4])),
			Destination: EntityID(binary.BigEndian.Uint16(data[4:6])),
			Seq:         binary.BigEndian.Uint32(data[6:10]),
			Mode:        TransmissionMode(data[10]),
		},
	}
	r := reader{buf: data[headerLen:]}

	switch p.Directive {
	case DirectiveMetadata:
		m, err := decodeMetadata(&r)
		if err != nil {
			return nil, err
		}
		p.Metadata = m
	case DirectiveFileData:
		off, err := r.uint64()
		if err != nil {
			return nil, err
		}
		p.FileData = &FileData{Offset: off, Data: append([]byte(nil), r.rest()...)}
	case DirectiveEOF:
		var e EOF
		cond, err := r.byte()
		if err != nil {
			return nil, err
		}
		e.Condition = Condition(cond)
		if e.Checksum, err = r.uint32(); err != nil {
			return nil, err
		}
		if e.FileSize, err = r.uint64(); err != nil {
			return nil, err
		}
		p.EOF = &e
	case DirectiveACK:
		of, err := r.byte()
		if err != nil {
			return nil, err
		}
		cond, err := r.byte()
		if err != nil {
			return nil, err
		}
		p.ACK = &ACK{Of: Directive(of), Condition: Condition(cond)}
	case DirectiveFinished:
		cond, err := r.byte()
		if err != nil {
			return nil, err
		}
		del, err := r.byte()
		if err != nil {
			return nil, err
		}
		st, err := r.byte()
		if err != nil {
			return nil, err
		}
		p.Finished = &Finished{Condition: Condition(cond), Delivery: DeliveryCode(del), Status: FileStatus(st)}
	case DirectiveNAK:
		n := &NAK{}
		var err error
		if n.Start, err = r.uint64(); err != nil {
			return nil, err
		}
		if n.End, err = r.uint64(); err != nil {
			return nil, err
		}
		count, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if uint64(count)*16 > uint64(len(r.rest())) {
			return nil, ErrTruncated
		}
		for i := uint32(0); i < count; i++ {
			var s Segment
			if s.Start, err = r.uint64(); err != nil {
				return nil, err
			}
			if s.End, err = r.uint64(); err != nil {
				return nil, err
			}
			n.Segments = append(n.Segments, s)
		}
		p.NAK = n
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirective, data[1])
	}
	return p, nil
}

func decodeMetadata(r *reader) (*Metadata, error) {
	m := &Metadata{}
	var err error
	if m.FileSize, err = r.uint64(); err != nil {
		return nil, err
	}
	if m.SourcePath, err = r.string(); err != nil {
		return nil, err
	}
	if m.DestinationPath, err = r.string(); err != nil {
		return nil, err
	}
	nreq, err := r.byte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nreq); i++ {
		var req FileStoreRequest
		action, err := r.byte()
		if err != nil {
			return nil, err
		}
		req.Action = FileStoreAction(action)
		if req.First, err = r.string(); err != nil {
			return nil, err
		}
		if req.Second, err = r.string(); err != nil {
			return nil, err
		}
		m.FileStoreRequests = append(m.FileStoreRequests, req)
	}
	nmsg, err := r.byte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nmsg); i++ {
		mlen, err := r.uint16()
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(int(mlen))
		if err != nil {
			return nil, err
		}
		m.UserMessages = append(m.UserMessages, append([]byte(nil), b...))
	}
	return m, nil
}

// reader is a bounds-checked cursor over a decode buffer.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if int(n) > MaxPathLen {
		return "", ErrPathTooLong
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) rest() []byte {
	return r.buf[r.pos:]
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
