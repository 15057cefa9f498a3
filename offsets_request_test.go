package courier

import (
	"testing"
)

var (
	offsetsRequestEmpty = []byte{
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	offsetsRequestLatest = []byte{
		0x00, 0x03, 'f', 'o', 'o',
		0x00, 0x00, 0x00, 0x04,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 0x00, 0x00, 0x01,
	}

	offsetsRequestEarliest = []byte{
		0x00, 0x03, 'f', 'o', 'o',
		0x00, 0x00, 0x00, 0x04,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE,
		0x00, 0x00, 0x00, 0x02,
	}
)

func TestOffsetsRequest(t *testing.T) {
	request := new(OffsetsRequest)
	testRequest(t, "empty", request, offsetsRequestEmpty)

	request.Topic = "foo"
	request.Partition = 4
	request.Time = LatestOffset
	request.MaxOffsets = 1
	testRequest(t, "latest", request, offsetsRequestLatest)

	request.Time = EarliestOffset
	request.MaxOffsets = 2
	testRequest(t, "earliest", request, offsetsRequestEarliest)
}
