package frame

import (
	"errors"
	"strconv"
)

var (
	// ErrNotBlock indicates that the buffer does not start with the '#'
	// introducer of an IEEE 488.2 arbitrary block.
	ErrNotBlock = errors.New("not an IEEE 488.2 block")

	// ErrIndefiniteBlock indicates a "#0" indefinite-length block, which
	// has no embedded length and is not supported.
	ErrIndefiniteBlock = errors.New("indefinite-length block not supported")

	// ErrShortBlock indicates that the buffer ends before the block header
	// or payload is complete.
	ErrShortBlock = errors.New("incomplete IEEE 488.2 block")
)

// EncodeBlock wraps data in an IEEE 488.2 definite-length arbitrary block:
// a '#' introducer, one digit giving the length-field width, the payload
// byte count in ASCII decimal, then the payload itself.
func EncodeBlock(data []byte) []byte {
	lenField := strconv.Itoa(len(data))

	buf := make([]byte, 0, 2+len(lenField)+len(data))
	buf = append(buf, '#', byte('0'+len(lenField)))
	buf = append(buf, lenField...)
	buf = append(buf, data...)

	return buf
}

// BlockDigitCount decodes the second header byte of a definite-length
// block: the number of ASCII digits in the length field. A zero digit
// count marks an indefinite-length block and yields ErrIndefiniteBlock.
func BlockDigitCount(b byte) (int, error) {
	if b < '0' || b > '9' {
		return 0, ErrNotBlock
	}
	if b == '0' {
		return 0, ErrIndefiniteBlock
	}

	return int(b - '0'), nil
}

// BlockDataLen decodes the ASCII decimal length field of a definite-length
// block header.
func BlockDataLen(digits []byte) (int, error) {
	n := 0
	for _, d := range digits {
		if d < '0' || d > '9' {
			return 0, ErrNotBlock
		}
		n = n*10 + int(d-'0')
	}

	return n, nil
}

// ParseBlock decodes a complete definite-length block from buf, returning
// the payload. ErrShortBlock is returned when buf ends before the header
// or the payload is complete; the caller can read more and retry.
func ParseBlock(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, ErrShortBlock
	}
	if buf[0] != '#' {
		return nil, ErrNotBlock
	}
	if len(buf) < 2 {
		return nil, ErrShortBlock
	}

	digits, err := BlockDigitCount(buf[1])
	if err != nil {
		return nil, err
	}

	if len(buf) < 2+digits {
		return nil, ErrShortBlock
	}

	dataLen, err := BlockDataLen(buf[2 : 2+digits])
	if err != nil {
		return nil, err
	}

	if len(buf) < 2+digits+dataLen {
		return nil, ErrShortBlock
	}

	return buf[2+digits : 2+digits+dataLen], nil
}
