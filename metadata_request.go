package courier

// MetadataRequest asks a broker for its view of the named topics. An empty
// topic list asks about every topic on the bus.
type MetadataRequest struct {
	Topics []string
}

func (r *MetadataRequest) encode(pe packetEncoder) error {
	return pe.putStringArray(r.Topics)
}

func (r *MetadataRequest) decode(pd packetDecoder) (err error) {
	r.Topics, err = pd.getStringArray()
	return err
}

func (r *MetadataRequest) key() int16 {
	return apiKeyMetadata
}

func (r *MetadataRequest) version() int16 {
	return 1
}

func (r *MetadataRequest) expectResponse() bool {
	return true
}

func (r *MetadataRequest) responseBody() Response {
	return &MetadataResponse{}
}
