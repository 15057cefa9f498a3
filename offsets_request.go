package courier

const (
	// LatestOffset stands for the log head offset, i.e. the offset that will
	// be assigned to the next message published to the partition.
	LatestOffset int64 = -1
	// EarliestOffset stands for the oldest offset still available on the
	// broker for a partition.
	EarliestOffset int64 = -2
)

// OffsetsRequest asks a broker for the offsets of one partition's log before
// the given time. Use LatestOffset or EarliestOffset to address the ends of
// the log directly.
type OffsetsRequest struct {
	Topic      string
	Partition  int32
	Time       int64
	MaxOffsets int32
}

func (r *OffsetsRequest) encode(pe packetEncoder) (err error) {
	err = pe.putString(r.Topic)
	if err != nil {
		return err
	}
	pe.putInt32(r.Partition)
	pe.putInt64(r.Time)
	pe.putInt32(r.MaxOffsets)

	return nil
}

func (r *OffsetsRequest) decode(pd packetDecoder) (err error) {
	if r.Topic, err = pd.getString(); err != nil {
		return err
	}

	if r.Partition, err = pd.getInt32(); err != nil {
		return err
	}

	if r.Time, err = pd.getInt64(); err != nil {
		return err
	}

	r.MaxOffsets, err = pd.getInt32()
	return err
}

func (r *OffsetsRequest) key() int16 {
	return apiKeyOffsets
}

func (r *OffsetsRequest) version() int16 {
	return 1
}

func (r *OffsetsRequest) expectResponse() bool {
	return true
}

func (r *OffsetsRequest) responseBody() Response {
	return &OffsetsResponse{}
}
