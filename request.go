package courier

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol identifiers for the request types a Courier broker understands.
const (
	apiKeyPublish  int16 = 0
	apiKeyFetch    int16 = 1
	apiKeyOffsets  int16 = 2
	apiKeyMetadata int16 = 3
)

// Request is implemented by all message bodies Courier can send to a broker.
// The Broker takes care of framing and correlating them, users only construct
// and fill the concrete body types.
type Request interface {
	encoder
	decoder

	// key returns the protocol identifier of this request type.
	key() int16

	// version returns the wire version this body encodes as.
	version() int16

	// expectResponse indicates whether the broker answers this request with
	// at least one response frame.
	expectResponse() bool

	// responseBody allocates the response type matching this request.
	responseBody() Response
}

// Response is implemented by all message bodies a broker answers with. Every
// response carries a server-assigned error code alongside its payload.
type Response interface {
	decoder

	// ErrorCode returns the code the handling broker assigned to the request.
	ErrorCode() ErrorCode
}

type request struct {
	correlationID int32
	clientID      string
	body          Request
}

func (r *request) encode(pe packetEncoder) error {
	pe.push(&lengthField{})

	pe.putInt16(r.body.key())
	pe.putInt16(r.body.version())
	pe.putInt32(r.correlationID)

	err := pe.putString(r.clientID)
	if err != nil {
		return err
	}

	err = r.body.encode(pe)
	if err != nil {
		return err
	}

	return pe.pop()
}

func (r *request) decode(pd packetDecoder) (err error) {
	key, err := pd.getInt16()
	if err != nil {
		return err
	}

	version, err := pd.getInt16()
	if err != nil {
		return err
	}

	r.correlationID, err = pd.getInt32()
	if err != nil {
		return err
	}

	r.clientID, err = pd.getString()
	if err != nil {
		return err
	}

	r.body = allocateBody(key, version)
	if r.body == nil {
		return PacketDecodingError{fmt.Sprintf("unknown request key (%d)", key)}
	}

	return r.body.decode(pd)
}

func decodeRequest(r io.Reader) (*request, int, error) {
	var (
		bytesRead   int
		lengthBytes = make([]byte, 4)
	)

	n, err := io.ReadFull(r, lengthBytes)
	bytesRead += n
	if err != nil {
		return nil, bytesRead, err
	}

	length := int32(binary.BigEndian.Uint32(lengthBytes))
	if length <= 4 || length > MaxRequestSize {
		return nil, bytesRead, PacketDecodingError{fmt.Sprintf("message of length %d too large or too small", length)}
	}

	encodedReq := make([]byte, length)
	n, err = io.ReadFull(r, encodedReq)
	bytesRead += n
	if err != nil {
		return nil, bytesRead, err
	}

	req := &request{}
	if err := decode(encodedReq, req); err != nil {
		return nil, bytesRead, err
	}

	return req, bytesRead, nil
}

// allocateBody returns a fresh body for the given protocol key, or nil if the
// key is not one Courier speaks.
func allocateBody(key, version int16) Request {
	switch key {
	case apiKeyPublish:
		return &PublishRequest{}
	case apiKeyFetch:
		return &FetchRequest{}
	case apiKeyOffsets:
		return &OffsetsRequest{}
	case apiKeyMetadata:
		return &MetadataRequest{}
	}
	return nil
}
