package courier

// PublishResponse acknowledges a publish, carrying the offset the first
// message of the set was assigned on the partition log.
type PublishResponse struct {
	Err    ErrorCode
	Offset int64
}

func (r *PublishResponse) decode(pd packetDecoder) (err error) {
	tmp, err := pd.getInt16()
	if err != nil {
		return err
	}
	r.Err = ErrorCode(tmp)

	r.Offset, err = pd.getInt64()
	return err
}

func (r *PublishResponse) encode(pe packetEncoder) error {
	pe.putInt16(int16(r.Err))
	pe.putInt64(r.Offset)
	return nil
}

// ErrorCode returns the code the handling broker assigned to the publish.
func (r *PublishResponse) ErrorCode() ErrorCode {
	return r.Err
}
