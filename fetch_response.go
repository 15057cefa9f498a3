package courier

// FetchResponse carries a chunk of the partition log. Large reads are split by
// the broker across several frames of the same correlated response, each frame
// decoding to one FetchResponse.
type FetchResponse struct {
	Err                 ErrorCode
	HighWaterMarkOffset int64
	MsgSet              MessageSet
}

func (r *FetchResponse) decode(pd packetDecoder) (err error) {
	tmp, err := pd.getInt16()
	if err != nil {
		return err
	}
	r.Err = ErrorCode(tmp)

	r.HighWaterMarkOffset, err = pd.getInt64()
	if err != nil {
		return err
	}

	msgSetSize, err := pd.getInt32()
	if err != nil {
		return err
	}

	msgSetDecoder, err := pd.getSubset(int(msgSetSize))
	if err != nil {
		return err
	}

	return r.MsgSet.decode(msgSetDecoder)
}

func (r *FetchResponse) encode(pe packetEncoder) (err error) {
	pe.putInt16(int16(r.Err))
	pe.putInt64(r.HighWaterMarkOffset)

	pe.push(&lengthField{})

	err = r.MsgSet.encode(pe)
	if err != nil {
		return err
	}

	return pe.pop()
}

// ErrorCode returns the code the handling broker assigned to the fetch.
func (r *FetchResponse) ErrorCode() ErrorCode {
	return r.Err
}

// testing API

func (r *FetchResponse) AddMessage(key, value Encoder, offset int64) {
	var kb, vb []byte
	if key != nil {
		kb, _ = key.Encode()
	}
	if value != nil {
		vb, _ = value.Encode()
	}
	msg := &Message{Key: kb, Value: vb}
	r.MsgSet.Messages = append(r.MsgSet.Messages, &MessageBlock{Msg: msg, Offset: offset})
}
