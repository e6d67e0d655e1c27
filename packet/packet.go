// Package packet classifies raw chat-server packets and extracts typed
// donation and chat events from them.
//
// A packet is framed as ESC TAB, a 4-character type code, a 6-digit body
// length, a 2-character flag, then the body. Body segments are separated by
// form feeds (0x0C). Only the fields the engine needs are decoded; every
// other packet is classified as ignored or unrecognized without failing.
package packet

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Type codes the normalizer decodes.
const (
	CodeChat         = "0005"
	CodeBalloon      = "0018"
	CodeAdBalloon    = "0087"
	CodeVideoBalloon = "0105"
	CodeMissionGift  = "0121"
)

const (
	frameStart  = "\x1b\t"
	codeOffset  = len(frameStart)
	headerLen   = codeOffset + 4 + 6 + 2
	fieldSep    = '\x0c'
	previewLen  = 300
)

// knownCodes lists every type code the chat server is known to send.
var knownCodes = map[string]struct{}{
	"0000": {}, "0001": {}, "0002": {}, "0004": {}, "0005": {}, "0007": {}, "0012": {},
	"0018": {}, "0087": {}, "0093": {}, "0104": {}, "0105": {}, "0109": {}, "0121": {},
	"0127": {},
}

// IsKnownCode reports whether code belongs to the known set.
func IsKnownCode(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

var (
	// ErrShortPacket is returned for packets too short to carry a header.
	ErrShortPacket = errors.New("packet shorter than header")
	// ErrBadFrame is returned when the frame marker is missing.
	ErrBadFrame = errors.New("missing frame marker")
	// ErrNoJSON is returned when an embedded JSON document cannot be located.
	ErrNoJSON = errors.New("no embedded json object")
)

// ParseError wraps a decode failure with the packet it came from.
type ParseError struct {
	Code string
	Raw  []byte
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("packet %s: %v", e.Code, e.Err)
	}
	return "packet " + e.Code + ": parse error"
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Frame is a packet split into its type code and body segments.
type Frame struct {
	Code   string
	Fields []string
	Body   []byte
}

// Field returns the i-th body segment, or "" when out of range.
func (f Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// Decode splits a raw packet into a Frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < codeOffset+4 {
		return Frame{}, ErrShortPacket
	}
	if !bytes.HasPrefix(raw, []byte(frameStart)) {
		return Frame{}, ErrBadFrame
	}
	f := Frame{Code: string(raw[codeOffset : codeOffset+4])}
	if len(raw) > headerLen {
		f.Body = raw[headerLen:]
	}
	for _, seg := range bytes.Split(f.Body, []byte{fieldSep}) {
		f.Fields = append(f.Fields, string(seg))
	}
	return f, nil
}

// Split breaks a websocket frame that may carry several concatenated packets
// into individual packets.
func Split(frame []byte) [][]byte {
	marker := []byte(frameStart)
	var out [][]byte
	for len(frame) > 0 {
		if !bytes.HasPrefix(frame, marker) {
			out = append(out, frame)
			break
		}
		next := bytes.Index(frame[len(marker):], marker)
		if next < 0 {
			out = append(out, frame)
			break
		}
		end := next + len(marker)
		out = append(out, frame[:end])
		frame = frame[end:]
	}
	return out
}

// Encode builds a packet from a type code and body fields. It is the inverse
// of Decode and is used by tests and the simulator.
func Encode(code string, fields ...string) []byte {
	var body bytes.Buffer
	for _, f := range fields {
		body.WriteByte(fieldSep)
		body.WriteString(f)
	}
	body.WriteByte(fieldSep)
	var buf bytes.Buffer
	buf.WriteString(frameStart)
	buf.WriteString(code)
	fmt.Fprintf(&buf, "%06d00", body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// DedupKey derives a fixed-size key from a raw packet: its type code plus a
// SHA-256 digest of the whole body. Packets share a key only when their
// bodies are byte-identical.
func DedupKey(raw []byte) string {
	if len(raw) < codeOffset+4 {
		return "raw:" + digest(raw)
	}
	code := string(raw[codeOffset : codeOffset+4])
	var body []byte
	if len(raw) > headerLen {
		body = raw[headerLen:]
	}
	return code + ":" + digest(body)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Preview returns a printable, truncated copy of raw for logs.
func Preview(raw []byte) string {
	p := bytes.Map(func(r rune) rune {
		if r < 0x20 {
			return '|'
		}
		return r
	}, truncate(raw, previewLen))
	return string(p)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
