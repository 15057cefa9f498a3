package courier

import "fmt"

const (
	responseHeaderLength = 9

	// responseFlagMoreFrames is set by the broker on every frame of a
	// response except the last one.
	responseFlagMoreFrames = 1 << 0
)

type responseHeader struct {
	length        int32
	correlationID int32
	flags         int8
}

func (r *responseHeader) decode(pd packetDecoder) (err error) {
	r.length, err = pd.getInt32()
	if err != nil {
		return err
	}
	if r.length <= 4 || r.length > MaxResponseSize {
		return PacketDecodingError{fmt.Sprintf("message of length %d too large or too small", r.length)}
	}

	r.correlationID, err = pd.getInt32()
	if err != nil {
		return err
	}

	r.flags, err = pd.getInt8()
	return err
}

func (r *responseHeader) moreFrames() bool {
	return r.flags&responseFlagMoreFrames != 0
}
