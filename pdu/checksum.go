package pdu

import "io"

// Checksum computes the modular file checksum carried in EOF: the 32-bit
// sum of the file interpreted as big-endian 4-byte words, with the final
// partial word zero-padded on the right.
func Checksum(r io.Reader) (uint32, error) {
	var (
		sum     uint32
		partial [4]byte
		np      int
	)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		i := 0
		for np > 0 && np < 4 && i < n {
			partial[np] = buf[i]
			np++
			i++
		}
		if np == 4 {
			sum += word(partial[:])
			np = 0
		}
		for ; i+4 <= n; i += 4 {
			sum += word(buf[i:])
		}
		for ; i < n; i++ {
			partial[np] = buf[i]
			np++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if np > 0 {
		for j := np; j < 4; j++ {
			partial[j] = 0
		}
		sum += word(partial[:])
	}
	return sum, nil
}

// ChecksumBytes computes the same modular checksum over an in-memory buffer.
func ChecksumBytes(data []byte) uint32 {
	var sum uint32
	whole := len(data) - len(data)%4
	for i := 0; i < whole; i += 4 {
		sum += word(data[i:])
	}
	if whole < len(data) {
		var partial [4]byte
		copy(partial[:], data[whole:])
		sum += word(partial[:])
	}
	return sum
}

func word(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
