package courier

import (
	"fmt"
)

// TestReporter has methods matching go's testing.T to avoid importing
// `testing` in the main part of the library.
type TestReporter interface {
	Error(...interface{})
	Errorf(string, ...interface{})
	Fatal(...interface{})
	Fatalf(string, ...interface{})
}

// MockResponse is a response builder interface. It defines one method that
// allows generating a response based on a request body. MockResponses are
// used to program behavior of MockBroker in tests.
type MockResponse interface {
	For(reqBody Request) (res encoder)
}

// MockWrapper is a mock response builder that returns a particular concrete
// response regardless of the actual request passed to the `For` method.
type MockWrapper struct {
	res encoder
}

func (mw *MockWrapper) For(reqBody Request) (res encoder) {
	return mw.res
}

func NewMockWrapper(res encoder) *MockWrapper {
	return &MockWrapper{res: res}
}

// MockSequence is a mock response builder that is created from a sequence of
// concrete responses. Every time when a `MockBroker` calls its `For` method
// it returns the next response from the sequence, until the sequence runs
// out, after which the last response is returned again and again.
type MockSequence struct {
	responses []MockResponse
}

func NewMockSequence(responses ...interface{}) *MockSequence {
	ms := &MockSequence{}
	ms.responses = make([]MockResponse, len(responses))
	for i, res := range responses {
		switch res := res.(type) {
		case MockResponse:
			ms.responses[i] = res
		case encoder:
			ms.responses[i] = NewMockWrapper(res)
		default:
			panic(fmt.Sprintf("Unexpected response type: %T", res))
		}
	}
	return ms
}

func (mc *MockSequence) For(reqBody Request) (res encoder) {
	res = mc.responses[0].For(reqBody)
	if len(mc.responses) > 1 {
		mc.responses = mc.responses[1:]
	}
	return res
}

// MockMetadataResponse is a `MetadataResponse` builder.
type MockMetadataResponse struct {
	leaders map[string]map[int32]int32
	brokers map[string]int32
	t       TestReporter
}

func NewMockMetadataResponse(t TestReporter) *MockMetadataResponse {
	return &MockMetadataResponse{
		leaders: make(map[string]map[int32]int32),
		brokers: make(map[string]int32),
		t:       t,
	}
}

// SetLeader declares the given broker the leader of a topic-partition. The
// broker must also be registered with SetBroker.
func (mmr *MockMetadataResponse) SetLeader(topic string, partition, brokerID int32) *MockMetadataResponse {
	partitions := mmr.leaders[topic]
	if partitions == nil {
		partitions = make(map[int32]int32)
		mmr.leaders[topic] = partitions
	}
	partitions[partition] = brokerID
	return mmr
}

// SetBroker adds a broker to the cluster the response describes.
func (mmr *MockMetadataResponse) SetBroker(addr string, brokerID int32) *MockMetadataResponse {
	mmr.brokers[addr] = brokerID
	return mmr
}

func (mmr *MockMetadataResponse) For(reqBody Request) encoder {
	metadataRequest := reqBody.(*MetadataRequest)
	metadataResponse := &MetadataResponse{}
	for addr, brokerID := range mmr.brokers {
		metadataResponse.AddBroker(addr, brokerID)
	}

	// All brokers double as replicas of every partition, nothing in the tests
	// cares about placement.
	var replicas []int32
	for _, brokerID := range mmr.brokers {
		replicas = append(replicas, brokerID)
	}

	if len(metadataRequest.Topics) == 0 {
		for topic, partitions := range mmr.leaders {
			for partition, brokerID := range partitions {
				metadataResponse.AddTopicPartition(topic, partition, brokerID, replicas, ErrNoError)
			}
		}
		return metadataResponse
	}
	for _, topic := range metadataRequest.Topics {
		partitions := mmr.leaders[topic]
		if partitions == nil {
			metadataResponse.AddTopic(topic, ErrUnknownTopicOrPartition)
			continue
		}
		for partition, brokerID := range partitions {
			metadataResponse.AddTopicPartition(topic, partition, brokerID, replicas, ErrNoError)
		}
	}
	return metadataResponse
}

// MockPublishResponse is a `PublishResponse` builder. It assigns offsets
// sequentially per topic-partition, the way a real log would, unless an
// error has been programmed for the partition.
type MockPublishResponse struct {
	offsets map[string]map[int32]int64
	errors  map[string]map[int32]ErrorCode
	t       TestReporter
}

func NewMockPublishResponse(t TestReporter) *MockPublishResponse {
	return &MockPublishResponse{
		offsets: make(map[string]map[int32]int64),
		errors:  make(map[string]map[int32]ErrorCode),
		t:       t,
	}
}

// SetError makes the builder answer publishes to the given topic-partition
// with the error code instead of an offset.
func (mpr *MockPublishResponse) SetError(topic string, partition int32, code ErrorCode) *MockPublishResponse {
	partitions := mpr.errors[topic]
	if partitions == nil {
		partitions = make(map[int32]ErrorCode)
		mpr.errors[topic] = partitions
	}
	partitions[partition] = code
	return mpr
}

// ClearError removes a previously programmed error so that subsequent
// publishes succeed again.
func (mpr *MockPublishResponse) ClearError(topic string, partition int32) *MockPublishResponse {
	if partitions := mpr.errors[topic]; partitions != nil {
		delete(partitions, partition)
	}
	return mpr
}

func (mpr *MockPublishResponse) For(reqBody Request) encoder {
	req := reqBody.(*PublishRequest)

	if partitions := mpr.errors[req.Topic]; partitions != nil {
		if code, ok := partitions[req.Partition]; ok {
			return &PublishResponse{Err: code}
		}
	}

	partitions := mpr.offsets[req.Topic]
	if partitions == nil {
		partitions = make(map[int32]int64)
		mpr.offsets[req.Topic] = partitions
	}

	offset := partitions[req.Partition]
	count := int64(0)
	if req.msgSet != nil {
		for _, block := range req.msgSet.Messages {
			count += int64(len(block.Messages()))
		}
	}
	partitions[req.Partition] = offset + count

	return &PublishResponse{Err: ErrNoError, Offset: offset}
}

// MockFetchResponse is a `FetchResponse` builder.
type MockFetchResponse struct {
	messages       map[string]map[int32]map[int64]Encoder
	highWaterMarks map[string]map[int32]int64
	t              TestReporter
	batchSize      int
}

func NewMockFetchResponse(t TestReporter, batchSize int) *MockFetchResponse {
	return &MockFetchResponse{
		messages:       make(map[string]map[int32]map[int64]Encoder),
		highWaterMarks: make(map[string]map[int32]int64),
		t:              t,
		batchSize:      batchSize,
	}
}

func (mfr *MockFetchResponse) SetMessage(topic string, partition int32, offset int64, msg Encoder) *MockFetchResponse {
	partitions := mfr.messages[topic]
	if partitions == nil {
		partitions = make(map[int32]map[int64]Encoder)
		mfr.messages[topic] = partitions
	}
	messages := partitions[partition]
	if messages == nil {
		messages = make(map[int64]Encoder)
		partitions[partition] = messages
	}
	messages[offset] = msg
	return mfr
}

func (mfr *MockFetchResponse) SetHighWaterMark(topic string, partition int32, offset int64) *MockFetchResponse {
	partitions := mfr.highWaterMarks[topic]
	if partitions == nil {
		partitions = make(map[int32]int64)
		mfr.highWaterMarks[topic] = partitions
	}
	partitions[partition] = offset
	return mfr
}

func (mfr *MockFetchResponse) For(reqBody Request) encoder {
	fetchRequest := reqBody.(*FetchRequest)
	res := &FetchResponse{}

	topic := fetchRequest.Topic
	partition := fetchRequest.Partition
	initialOffset := fetchRequest.Offset
	maxOffset := initialOffset + int64(mfr.getMessageCount(topic, partition))
	for i := 0; i < mfr.batchSize && initialOffset < maxOffset; {
		if msg := mfr.getMessage(topic, partition, initialOffset); msg != nil {
			res.AddMessage(nil, msg, initialOffset)
			i++
		}
		initialOffset++
	}
	res.HighWaterMarkOffset = mfr.getHighWaterMark(topic, partition)
	return res
}

func (mfr *MockFetchResponse) getMessage(topic string, partition int32, offset int64) Encoder {
	partitions := mfr.messages[topic]
	if partitions == nil {
		return nil
	}
	messages := partitions[partition]
	if messages == nil {
		return nil
	}
	return messages[offset]
}

func (mfr *MockFetchResponse) getMessageCount(topic string, partition int32) int {
	partitions := mfr.messages[topic]
	if partitions == nil {
		return 0
	}
	messages := partitions[partition]
	if messages == nil {
		return 0
	}
	return len(messages)
}

func (mfr *MockFetchResponse) getHighWaterMark(topic string, partition int32) int64 {
	partitions := mfr.highWaterMarks[topic]
	if partitions == nil {
		return 0
	}
	return partitions[partition]
}

// MockOffsetsResponse is an `OffsetsResponse` builder.
type MockOffsetsResponse struct {
	offsets map[string]map[int32]map[int64]int64
	t       TestReporter
}

func NewMockOffsetsResponse(t TestReporter) *MockOffsetsResponse {
	return &MockOffsetsResponse{
		offsets: make(map[string]map[int32]map[int64]int64),
		t:       t,
	}
}

func (mor *MockOffsetsResponse) SetOffset(topic string, partition int32, time, offset int64) *MockOffsetsResponse {
	partitions := mor.offsets[topic]
	if partitions == nil {
		partitions = make(map[int32]map[int64]int64)
		mor.offsets[topic] = partitions
	}
	times := partitions[partition]
	if times == nil {
		times = make(map[int64]int64)
		partitions[partition] = times
	}
	times[time] = offset
	return mor
}

func (mor *MockOffsetsResponse) For(reqBody Request) encoder {
	offsetsRequest := reqBody.(*OffsetsRequest)
	offset := mor.getOffset(offsetsRequest.Topic, offsetsRequest.Partition, offsetsRequest.Time)
	return &OffsetsResponse{Err: ErrNoError, Offsets: []int64{offset}}
}

func (mor *MockOffsetsResponse) getOffset(topic string, partition int32, time int64) int64 {
	partitions := mor.offsets[topic]
	if partitions == nil {
		mor.t.Errorf("missing topic: %s", topic)
	}
	times := partitions[partition]
	if times == nil {
		mor.t.Errorf("missing partition: %d", partition)
	}
	offset, ok := times[time]
	if !ok {
		mor.t.Errorf("missing time: %d", time)
	}
	return offset
}
