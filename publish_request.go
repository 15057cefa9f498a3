package courier

import "github.com/rcrowley/go-metrics"

// AckLevel is used in publish requests to tell the broker how durable the
// write must be before it responds.
type AckLevel int16

const (
	// NoAck doesn't send any response, the TCP ACK is all you get.
	NoAck AckLevel = 0
	// AckLeader waits for only the leader's local commit to succeed before responding.
	AckLeader AckLevel = 1
	// AckQuorum waits for a quorum of replicas to commit before responding.
	// This is the slowest option but guarantees the message survives a
	// leader failure.
	AckQuorum AckLevel = -1
)

// PublishRequest appends a set of messages to one partition of one topic.
type PublishRequest struct {
	Topic     string
	Partition int32
	AckLevel  AckLevel
	Timeout   int32
	msgSet    *MessageSet
}

func (r *PublishRequest) encode(pe packetEncoder) error {
	pe.putInt16(int16(r.AckLevel))
	pe.putInt32(r.Timeout)

	metricRegistry := pe.metricRegistry()
	var batchSizeMetric metrics.Histogram
	var compressionRatioMetric metrics.Histogram
	if metricRegistry != nil {
		batchSizeMetric = getOrRegisterHistogram("batch-size", metricRegistry)
		compressionRatioMetric = getOrRegisterHistogram("compression-ratio", metricRegistry)
	}

	err := pe.putString(r.Topic)
	if err != nil {
		return err
	}
	pe.putInt32(r.Partition)

	startOffset := pe.offset()
	pe.push(&lengthField{})
	if r.msgSet != nil {
		err = r.msgSet.encode(pe)
		if err != nil {
			return err
		}
	}
	if err := pe.pop(); err != nil {
		return err
	}

	if metricRegistry == nil || r.msgSet == nil {
		return nil
	}

	recordCount := int64(0)
	for _, messageBlock := range r.msgSet.Messages {
		// Is this a fake "message" wrapping real messages?
		if messageBlock.Msg.Set != nil {
			recordCount += int64(len(messageBlock.Msg.Set.Messages))
		} else {
			// A single uncompressed message
			recordCount++
		}
		// Better be safe than sorry when computing the compression ratio
		if messageBlock.Msg.compressedSize != 0 {
			compressionRatio := float64(len(messageBlock.Msg.Value)) /
				float64(messageBlock.Msg.compressedSize)
			// Histograms do not support decimal values, let's multiply it by 100 for better precision
			intCompressionRatio := int64(100 * compressionRatio)
			compressionRatioMetric.Update(intCompressionRatio)
			getOrRegisterTopicHistogram("compression-ratio", r.Topic, metricRegistry).Update(intCompressionRatio)
		}
	}

	batchSize := int64(pe.offset() - startOffset)
	batchSizeMetric.Update(batchSize)
	getOrRegisterTopicHistogram("batch-size", r.Topic, metricRegistry).Update(batchSize)

	if recordCount > 0 {
		metrics.GetOrRegisterMeter("record-send-rate", metricRegistry).Mark(recordCount)
		getOrRegisterTopicMeter("record-send-rate", r.Topic, metricRegistry).Mark(recordCount)
		getOrRegisterHistogram("records-per-request", metricRegistry).Update(recordCount)
		getOrRegisterTopicHistogram("records-per-request", r.Topic, metricRegistry).Update(recordCount)
	}

	return nil
}

func (r *PublishRequest) decode(pd packetDecoder) (err error) {
	tmp, err := pd.getInt16()
	if err != nil {
		return err
	}
	r.AckLevel = AckLevel(tmp)

	if r.Timeout, err = pd.getInt32(); err != nil {
		return err
	}

	if r.Topic, err = pd.getString(); err != nil {
		return err
	}

	if r.Partition, err = pd.getInt32(); err != nil {
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

	r.msgSet = &MessageSet{}
	return r.msgSet.decode(msgSetDecoder)
}

func (r *PublishRequest) key() int16 {
	return apiKeyPublish
}

func (r *PublishRequest) version() int16 {
	return 1
}

// expectResponse reports whether the broker will answer at all. Fire-and-forget
// publishes are acknowledged by nothing more than the socket staying healthy.
func (r *PublishRequest) expectResponse() bool {
	return r.AckLevel != NoAck
}

func (r *PublishRequest) responseBody() Response {
	return &PublishResponse{}
}

// AddMessage appends a message to the set this request carries.
func (r *PublishRequest) AddMessage(msg *Message) {
	if r.msgSet == nil {
		r.msgSet = new(MessageSet)
	}
	r.msgSet.addMessage(msg)
}
