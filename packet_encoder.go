package courier

import "github.com/rcrowley/go-metrics"

// packetEncoder is the interface providing helpers for writing with the Courier wire
// format. Types implementing encoder only need to worry about calling methods like
// putString, not about how a string is represented on the wire.
type packetEncoder interface {
	// Primitives
	putInt8(in int8)
	putInt16(in int16)
	putInt32(in int32)
	putInt64(in int64)
	putBool(in bool)
	putArrayLength(in int) error

	// Collections
	putBytes(in []byte) error
	putRawBytes(in []byte) error
	putString(in string) error
	putNullableString(in *string) error
	putStringArray(in []string) error
	putInt32Array(in []int32) error
	putInt64Array(in []int64) error

	// Provide the current offset to record the batch size metric
	offset() int

	// Stacks, see pushEncoder
	push(in pushEncoder)
	pop() error

	// To record metrics when provided
	metricRegistry() metrics.Registry
}

// pushEncoder is the interface for encoding fields like CRCs and lengths where the value
// of the field depends on what is encoded after it in the packet. Start them with
// packetEncoder.push() where the actual value is located in the packet, then continue to
// encode the rest of the packet as normal. At the end, packetEncoder.pop() is called, and
// the field's value is calculated and written.
type pushEncoder interface {
	// Saves the offset into the input buffer as the location to actually write the calculated value when able.
	saveOffset(in int)

	// Returns the length of data the field consumes (eg 4 for a CRC32).
	reserveLength() int

	// Indicates that all required data is now available to calculate and write the field.
	// SaveOffset is guaranteed to have been called first. The implementation should write ReserveLength() bytes
	// of data to the saved offset, based on the data between the saved offset and curOffset.
	run(curOffset int, buf []byte) error
}
