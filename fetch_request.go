package courier

// FetchRequest reads a run of messages from one partition of one topic,
// starting at the given offset. The broker holds the request open for up to
// MaxWaitTime milliseconds if fewer than MinBytes of messages are available.
type FetchRequest struct {
	Topic       string
	Partition   int32
	Offset      int64
	MaxWaitTime int32
	MinBytes    int32
	MaxBytes    int32
}

func (r *FetchRequest) encode(pe packetEncoder) (err error) {
	pe.putInt32(r.MaxWaitTime)
	pe.putInt32(r.MinBytes)

	err = pe.putString(r.Topic)
	if err != nil {
		return err
	}
	pe.putInt32(r.Partition)
	pe.putInt64(r.Offset)
	pe.putInt32(r.MaxBytes)

	return nil
}

func (r *FetchRequest) decode(pd packetDecoder) (err error) {
	if r.MaxWaitTime, err = pd.getInt32(); err != nil {
		return err
	}

	if r.MinBytes, err = pd.getInt32(); err != nil {
		return err
	}

	if r.Topic, err = pd.getString(); err != nil {
		return err
	}

	if r.Partition, err = pd.getInt32(); err != nil {
		return err
	}

	if r.Offset, err = pd.getInt64(); err != nil {
		return err
	}

	r.MaxBytes, err = pd.getInt32()
	return err
}

func (r *FetchRequest) key() int16 {
	return apiKeyFetch
}

func (r *FetchRequest) version() int16 {
	return 1
}

func (r *FetchRequest) expectResponse() bool {
	return true
}

func (r *FetchRequest) responseBody() Response {
	return &FetchResponse{}
}
