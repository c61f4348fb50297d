package frame

// Control bytes with special meaning on the controller's command channel.
//
// The Ethernet controller parses its input stream for directives, so these
// bytes must be escaped inside binary payloads (see EscapeBinary).
const (
	// CR is the carriage return terminator byte.
	CR = 0x0D
	// LF is the line feed terminator byte.
	LF = 0x0A
	// ESC is the escape byte that protects a following control byte.
	ESC = 0x1B
	// Plus introduces a controller directive at the start of a line.
	Plus = '+'
)

// EncodeCommand encodes a text command into its wire form: any trailing
// CR/LF bytes are stripped and a single LF terminator is appended.
// Encoding the same command twice yields identical bytes.
func EncodeCommand(cmd string) []byte {
	end := len(cmd)
	for end > 0 && (cmd[end-1] == CR || cmd[end-1] == LF) {
		end--
	}

	buf := make([]byte, 0, end+1)
	buf = append(buf, cmd[:end]...)
	buf = append(buf, LF)

	return buf
}

// EscapeBinary escapes a binary payload for transmission over a controller
// that scans its input stream for directives and terminators: each CR, LF,
// ESC and '+' byte is prefixed with ESC. The input is never modified; when
// no byte needs escaping the returned slice is a copy of data.
func EscapeBinary(data []byte) []byte {
	buf := make([]byte, 0, len(data)+8)
	for _, b := range data {
		if needsEscape(b) {
			buf = append(buf, ESC)
		}
		buf = append(buf, b)
	}

	return buf
}

// UnescapeBinary reverses EscapeBinary: each ESC byte is dropped and the
// byte following it is taken literally. A trailing lone ESC is preserved
// as-is since it cannot be an escape prefix.
func UnescapeBinary(data []byte) []byte {
	buf := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == ESC && i+1 < len(data) {
			i++
		}
		buf = append(buf, data[i])
	}

	return buf
}

// DecodeResponse decodes a raw response buffer into the delivered payload
// and a completion flag.
//
// A response line is complete once the LF terminator arrives; the payload
// excludes the terminator and any CR preceding it. When no terminator is
// present yet, the whole buffer is returned with complete=false so the
// caller can keep reading.
func DecodeResponse(raw []byte) (payload []byte, complete bool) {
	for i, b := range raw {
		if b == LF {
			end := i
			if end > 0 && raw[end-1] == CR {
				end--
			}

			return raw[:end], true
		}
	}

	return raw, false
}

func needsEscape(b byte) bool {
	return b == CR || b == LF || b == ESC || b == Plus
}
