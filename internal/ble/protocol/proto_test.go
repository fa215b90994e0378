package protocol

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestEncodePayloadScanWifi(t *testing.T) {
	got := EncodePayload([]string{"scan_wifi", "abc"})
	var want []byte
	want = append(want, 0x09)
	want = append(want, "scan_wifi"...)
	want = append(want, 0x03)
	want = append(want, "abc"...)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodePayload() = %x, want %x", got, want)
	}
}

func TestEncodePayloadEmpty(t *testing.T) {
	if got := EncodePayload(nil); len(got) != 0 {
		t.Errorf("EncodePayload(nil) = %x, want empty", got)
	}
	// An empty field is a single zero length byte.
	if got := EncodePayload([]string{""}); !bytes.Equal(got, []byte{0x00}) {
		t.Errorf("EncodePayload([\"\"]) = %x, want 00", got)
	}
}

func TestEncodeVarint(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{math.MaxUint64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
	}
	for _, tt := range tests {
		got := EncodeVarint(tt.v)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeVarint(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 127, 128, 255, 256, 1 << 14, 1<<21 - 1, 1 << 35, 1<<63 + 12345, math.MaxUint64}
	for _, v := range values {
		enc := EncodeVarint(v)
		got, n, err := DecodeVarint(enc)
		if err != nil {
			t.Fatalf("DecodeVarint(%x) error = %v", enc, err)
		}
		if got != v || n != len(enc) {
			t.Errorf("DecodeVarint(EncodeVarint(%d)) = (%d, %d), want (%d, %d)", v, got, n, v, len(enc))
		}
	}
}

func TestDecodeVarintTruncated(t *testing.T) {
	for _, buf := range [][]byte{{0x80}, {0xff, 0xff}, {}} {
		_, _, err := DecodeVarint(buf)
		if !errors.Is(err, ErrTruncatedVarint) {
			t.Errorf("DecodeVarint(%x) error = %v, want ErrTruncatedVarint", buf, err)
		}
	}
}

func TestDecodeVarintIgnoresTrailingBytes(t *testing.T) {
	v, n, err := DecodeVarint([]byte{0xac, 0x02, 0x55})
	if err != nil {
		t.Fatalf("DecodeVarint() error = %v", err)
	}
	if v != 300 || n != 2 {
		t.Errorf("DecodeVarint() = (%d, %d), want (300, 2)", v, n)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	tests := [][]string{
		{},
		{""},
		{"scan_wifi", "r1"},
		{"connect_wifi", "42", "Home Network", "p@ss:word"},
		{"héllo", "世界", "🙂"},
		{string(bytes.Repeat([]byte("x"), 200)), "", "tail"},
	}
	for _, fields := range tests {
		got, err := ParsePayload(EncodePayload(fields))
		if err != nil {
			t.Fatalf("ParsePayload(EncodePayload(%q)) error = %v", fields, err)
		}
		if !reflect.DeepEqual(got, fields) {
			t.Errorf("round trip = %q, want %q", got, fields)
		}
	}
}

func TestParsePayloadFailures(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"truncated length varint", []byte{0x03, 'a', 'b', 'c', 0x80}, ErrTruncatedVarint},
		{"length past end", []byte{0x05, 'a', 'b'}, ErrLengthOutOfRange},
		{"trailing partial field", append(EncodePayload([]string{"ok"}), 0x02, 'x'), ErrLengthOutOfRange},
		{"invalid utf-8", []byte{0x02, 0xc3, 0x28}, ErrInvalidUTF8},
		{"lone continuation byte", []byte{0x01, 0xff}, ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload(tt.buf)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParsePayload(%x) error = %v, want %v", tt.buf, err, tt.want)
			}
			if got != nil {
				t.Errorf("ParsePayload(%x) = %q, want nil", tt.buf, got)
			}
		})
	}
}

func TestEncodeReply(t *testing.T) {
	got, err := ParsePayload(EncodeReply("r7", StatusWrongCredential))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	want := []string{"r7", "1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reply = %q, want %q", got, want)
	}

	got, _ = ParsePayload(EncodeReply("r8", StatusSuccess, "a", "b"))
	want = []string{"r8", "0", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestStatusString(t *testing.T) {
	if StatusUnknown.String() != "255" {
		t.Errorf("StatusUnknown.String() = %q, want 255", StatusUnknown.String())
	}
}
