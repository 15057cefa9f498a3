package courier

// OffsetsResponse lists the partition log offsets matching an offsets query,
// newest first.
type OffsetsResponse struct {
	Err     ErrorCode
	Offsets []int64
}

func (r *OffsetsResponse) decode(pd packetDecoder) (err error) {
	tmp, err := pd.getInt16()
	if err != nil {
		return err
	}
	r.Err = ErrorCode(tmp)

	r.Offsets, err = pd.getInt64Array()
	return err
}

func (r *OffsetsResponse) encode(pe packetEncoder) (err error) {
	pe.putInt16(int16(r.Err))
	return pe.putInt64Array(r.Offsets)
}

// ErrorCode returns the code the handling broker assigned to the query.
func (r *OffsetsResponse) ErrorCode() ErrorCode {
	return r.Err
}
