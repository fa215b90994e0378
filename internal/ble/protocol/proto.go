// Package protocol implements the framing used on the pairing characteristic.
//
// A message is an ordered list of UTF-8 strings. Each field is written as an
// unsigned LEB128 varint holding the byte length, followed by the raw bytes.
// There is no message terminator and no total-length prefix.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

var (
	// ErrTruncatedVarint is returned when the buffer ends before a varint terminates.
	ErrTruncatedVarint = errors.New("protocol: truncated varint")
	// ErrLengthOutOfRange is returned when a field length points past the buffer end.
	ErrLengthOutOfRange = errors.New("protocol: field length exceeds buffer")
	// ErrInvalidUTF8 is returned when a field is not valid UTF-8 text.
	ErrInvalidUTF8 = errors.New("protocol: field is not valid UTF-8")
)

// Status is the result code carried in the second field of every reply.
type Status uint8

const (
	StatusSuccess         Status = 0
	StatusWrongCredential Status = 1
	StatusUnknown         Status = 255
)

// Command names, matched case-sensitively against the first field.
const (
	CmdScanWifi    = "scan_wifi"
	CmdConnectWifi = "connect_wifi"
	CmdGetInfo     = "get_info"
	CmdSetTime     = "set_time"
)

// String returns the decimal wire form of the status ("0", "1", "255").
func (s Status) String() string {
	return strconv.Itoa(int(s))
}

// EncodeVarint returns v as a minimal-length unsigned LEB128 varint.
func EncodeVarint(v uint64) []byte {
	return appendVarint(nil, v)
}

// DecodeVarint reads a varint from the start of buf, returning the value and
// the number of bytes consumed.
func DecodeVarint(buf []byte) (uint64, int, error) {
	return readVarint(buf)
}

// EncodePayload frames fields in order.
func EncodePayload(fields []string) []byte {
	size := 0
	for _, f := range fields {
		size += len(f) + 1
	}
	buf := make([]byte, 0, size)
	for _, f := range fields {
		buf = appendVarint(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// EncodeReply frames a reply: reply id, status, then payload fields.
func EncodeReply(replyID string, status Status, payload ...string) []byte {
	fields := make([]string, 0, len(payload)+2)
	fields = append(fields, replyID, status.String())
	fields = append(fields, payload...)
	return EncodePayload(fields)
}

// ParsePayload decodes a buffer produced by EncodePayload. The buffer must
// end exactly on a field boundary. An empty buffer yields an empty list.
func ParsePayload(buf []byte) ([]string, error) {
	fields := []string{}
	for cursor := 0; cursor < len(buf); {
		length, n, err := readVarint(buf[cursor:])
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", len(fields), err)
		}
		cursor += n
		if length > uint64(len(buf)-cursor) {
			return nil, fmt.Errorf("field %d length %d, %d bytes left: %w", len(fields), length, len(buf)-cursor, ErrLengthOutOfRange)
		}
		end := cursor + int(length)
		field := buf[cursor:end]
		if !utf8.Valid(field) {
			return nil, fmt.Errorf("field %d: %w", len(fields), ErrInvalidUTF8)
		}
		fields = append(fields, string(field))
		cursor = end
	}
	return fields, nil
}

// appendVarint appends a varint to buf.
func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readVarint reads a varint from data, returning value and bytes consumed.
func readVarint(data []byte) (uint64, int, error) {
	val, n := binary.Uvarint(data)
	if n == 0 {
		return 0, 0, ErrTruncatedVarint
	}
	if n < 0 {
		return 0, 0, errors.New("protocol: varint overflows 64 bits")
	}
	return val, n, nil
}
