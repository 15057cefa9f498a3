package courier

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
)

// crc32Field implements the pushEncoder and pushDecoder interfaces for
// calculating IEEE CRC-32 checksums of message payloads.
type crc32Field struct {
	startOffset int
}

var crc32FieldPool = sync.Pool{}

func acquireCrc32Field() *crc32Field {
	val := crc32FieldPool.Get()
	if val != nil {
		return val.(*crc32Field)
	}
	return newCRC32Field()
}

func releaseCrc32Field(c *crc32Field) {
	crc32FieldPool.Put(c)
}

func newCRC32Field() *crc32Field {
	return &crc32Field{}
}

func (c *crc32Field) saveOffset(in int) {
	c.startOffset = in
}

func (c *crc32Field) reserveLength() int {
	return 4
}

func (c *crc32Field) run(curOffset int, buf []byte) error {
	crc, err := c.crc(curOffset, buf)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[c.startOffset:], crc)
	return nil
}

func (c *crc32Field) check(curOffset int, buf []byte) error {
	crc, err := c.crc(curOffset, buf)
	if err != nil {
		return err
	}

	expected := binary.BigEndian.Uint32(buf[c.startOffset:])
	if crc != expected {
		return PacketDecodingError{fmt.Sprintf("CRC didn't match expected %#x got %#x", expected, crc)}
	}

	return nil
}

func (c *crc32Field) crc(curOffset int, buf []byte) (uint32, error) {
	return crc32.ChecksumIEEE(buf[c.startOffset+4 : curOffset]), nil
}
