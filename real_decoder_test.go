package courier

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestRealDecoderPrimitives(t *testing.T) {
	rd := &realDecoder{raw: []byte{
		0x7F,
		0x01, 0x02,
		0x01, 0x02, 0x03, 0x04,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}}

	if v, err := rd.getInt8(); err != nil || v != 0x7F {
		t.Error("getInt8 failed:", v, err)
	}
	if v, err := rd.getInt16(); err != nil || v != 0x0102 {
		t.Error("getInt16 failed:", v, err)
	}
	if v, err := rd.getInt32(); err != nil || v != 0x01020304 {
		t.Error("getInt32 failed:", v, err)
	}
	if v, err := rd.getInt64(); err != nil || v != 0x0102030405060708 {
		t.Error("getInt64 failed:", v, err)
	}
	if rd.remaining() != 0 {
		t.Error("decoder should be drained, remaining:", rd.remaining())
	}
	if _, err := rd.getInt8(); !errors.Is(err, ErrInsufficientData) {
		t.Error("getInt8 on a drained decoder should fail with ErrInsufficientData, got", err)
	}
}

func TestRealDecoderStrings(t *testing.T) {
	rd := &realDecoder{raw: []byte{
		0x00, 0x03, 'f', 'o', 'o',
		0xFF, 0xFF,
		0x00, 0x00,
	}}

	if s, err := rd.getString(); err != nil || s != "foo" {
		t.Error("getString failed:", s, err)
	}
	if s, err := rd.getNullableString(); err != nil || s != nil {
		t.Error("getNullableString should produce nil for length -1, got", s, err)
	}
	if s, err := rd.getString(); err != nil || s != "" {
		t.Error("getString of empty string failed:", s, err)
	}

	rd = &realDecoder{raw: []byte{0xFF, 0xFE}}
	if _, err := rd.getString(); !errors.Is(err, errInvalidStringLength) {
		t.Error("getString with length below -1 should fail, got", err)
	}

	rd = &realDecoder{raw: []byte{0x00, 0x04, 'f'}}
	if _, err := rd.getString(); !errors.Is(err, ErrInsufficientData) {
		t.Error("getString past the buffer should fail with ErrInsufficientData, got", err)
	}
}

func TestRealDecoderBytes(t *testing.T) {
	rd := &realDecoder{raw: []byte{
		0x00, 0x00, 0x00, 0x02, 0xBE, 0xEF,
		0xFF, 0xFF, 0xFF, 0xFF,
	}}

	if b, err := rd.getBytes(); err != nil || len(b) != 2 || b[0] != 0xBE || b[1] != 0xEF {
		t.Error("getBytes failed:", b, err)
	}
	if b, err := rd.getBytes(); err != nil || b != nil {
		t.Error("getBytes should produce nil for length -1, got", b, err)
	}
}

func TestRealDecoderBool(t *testing.T) {
	rd := &realDecoder{raw: []byte{0x00, 0x01, 0x02}}

	if v, err := rd.getBool(); err != nil || v {
		t.Error("getBool of 0 failed:", v, err)
	}
	if v, err := rd.getBool(); err != nil || !v {
		t.Error("getBool of 1 failed:", v, err)
	}
	if _, err := rd.getBool(); !errors.Is(err, errInvalidBool) {
		t.Error("getBool of 2 should fail with errInvalidBool, got", err)
	}
}

func TestRealDecoderSubset(t *testing.T) {
	rd := &realDecoder{raw: []byte{0x01, 0x02, 0x03, 0x04}}

	sub, err := rd.getSubset(2)
	if err != nil {
		t.Fatal("getSubset failed:", err)
	}
	if sub.remaining() != 2 {
		t.Error("subset should hold exactly the requested bytes, remaining:", sub.remaining())
	}
	if rd.remaining() != 2 {
		t.Error("parent decoder should advance past the subset, remaining:", rd.remaining())
	}
	if _, err := rd.getSubset(3); !errors.Is(err, ErrInsufficientData) {
		t.Error("getSubset past the buffer should fail with ErrInsufficientData, got", err)
	}
}

func TestRealDecoderGetArrayLength(t *testing.T) {
	maxArrayLength := 2 * math.MaxUint16

	tests := []struct {
		name    string
		input   []byte
		wantLen int
		wantErr error
	}{
		{
			name:    "null array (-1)",
			input:   []byte{0xFF, 0xFF, 0xFF, 0xFF},
			wantLen: -1,
			wantErr: nil,
		},
		{
			name:    "valid array length 64",
			input:   makeArrayInput(64),
			wantLen: 64,
			wantErr: nil,
		},
		{
			name:    "valid array up to the cap",
			input:   makeArrayInput(maxArrayLength),
			wantLen: maxArrayLength,
			wantErr: nil,
		},
		{
			name:    "insufficient data",
			input:   []byte{0x00, 0x00, 0x00},
			wantLen: -1,
			wantErr: ErrInsufficientData,
		},
		{
			name:    "length exceeds remaining",
			input:   []byte{0x00, 0x00, 0x00, 0x05, 0x00},
			wantLen: -1,
			wantErr: ErrInsufficientData,
		},
		{
			name:    "length exceeds the cap",
			input:   makeArrayInput(maxArrayLength + 1),
			wantLen: -1,
			wantErr: errInvalidArrayLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := &realDecoder{
				raw: tt.input,
			}
			gotLen, gotErr := rd.getArrayLength()
			if gotLen != tt.wantLen {
				t.Errorf("getArrayLength() gotLen = %v, want %v", gotLen, tt.wantLen)
			}
			if !errors.Is(gotErr, tt.wantErr) {
				t.Errorf("getArrayLength() gotErr = %v, want %v", gotErr, tt.wantErr)
			}
		})
	}
}

func makeArrayInput(length int) []byte {
	input := make([]byte, 4+length)
	binary.BigEndian.PutUint32(input, uint32(length))
	return input
}

func TestRealDecoderIntArrays(t *testing.T) {
	rd := &realDecoder{raw: []byte{
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x0A,
		0x00, 0x00, 0x00, 0x0B,
	}}
	if arr, err := rd.getInt32Array(); err != nil || len(arr) != 2 || arr[0] != 0x0A || arr[1] != 0x0B {
		t.Error("getInt32Array failed:", arr, err)
	}

	rd = &realDecoder{raw: []byte{
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A,
	}}
	if arr, err := rd.getInt64Array(); err != nil || len(arr) != 1 || arr[0] != 0x2A {
		t.Error("getInt64Array failed:", arr, err)
	}

	rd = &realDecoder{raw: []byte{0x00, 0x00, 0x00, 0x00}}
	if arr, err := rd.getInt64Array(); err != nil || arr != nil {
		t.Error("getInt64Array of length 0 should produce nil, got", arr, err)
	}
}

func TestEncodeOversizedValues(t *testing.T) {
	big := string(make([]byte, math.MaxInt16+1))
	var pe prepEncoder
	err := pe.putString(big)
	var target PacketEncodingError
	if !errors.As(err, &target) {
		t.Errorf("putString past the wire limit should fail with PacketEncodingError, got %v", err)
	}
}
