package courier

import (
	"encoding/binary"
	"sync"
)

// lengthField implements the pushEncoder and pushDecoder interfaces for
// calculating 4-byte length prefixes.
type lengthField struct {
	startOffset int
	length      int32
}

var lengthFieldPool = sync.Pool{}

func acquireLengthField() *lengthField {
	val := lengthFieldPool.Get()
	if val != nil {
		return val.(*lengthField)
	}
	return &lengthField{}
}

func releaseLengthField(m *lengthField) {
	lengthFieldPool.Put(m)
}

func (l *lengthField) decode(pd packetDecoder) error {
	var err error
	l.length, err = pd.getInt32()
	if err != nil {
		return err
	}
	if l.length > int32(pd.remaining()) {
		return ErrInsufficientData
	}
	return nil
}

func (l *lengthField) saveOffset(in int) {
	l.startOffset = in
}

func (l *lengthField) reserveLength() int {
	return 4
}

func (l *lengthField) run(curOffset int, buf []byte) error {
	binary.BigEndian.PutUint32(buf[l.startOffset:], uint32(curOffset-l.startOffset-4))
	return nil
}

func (l *lengthField) check(curOffset int, buf []byte) error {
	if int32(curOffset-l.startOffset-4) != l.length {
		return PacketDecodingError{"length field invalid"}
	}

	return nil
}
