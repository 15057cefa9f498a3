package courier

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func expectResultsWithTimeout(t *testing.T, p Publisher, successCount, errorCount int, timeout time.Duration) {
	t.Helper()
	expect := successCount + errorCount
	defer func() {
		if successCount != 0 || errorCount != 0 {
			t.Error("Unexpected successes", successCount, "or errors", errorCount)
		}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for expect > 0 {
		select {
		case <-timer.C:
			return
		case pErr := <-p.Errors():
			if pErr.Msg.flags != 0 {
				t.Error("Message had flags set")
			}
			if pErr.Msg.retries != 0 {
				t.Error("Message had retries set")
			}
			errorCount--
			expect--
			if errorCount < 0 {
				t.Error(pErr.Err)
			}
		case msg := <-p.Successes():
			if msg.flags != 0 {
				t.Error("Message had flags set")
			}
			if msg.retries != 0 {
				t.Error("Message had retries set")
			}
			successCount--
			expect--
			if successCount < 0 {
				t.Error("Too many successes")
			}
		}
	}
}

func expectResults(t *testing.T, p Publisher, successCount, errorCount int) {
	t.Helper()
	expectResultsWithTimeout(t, p, successCount, errorCount, 5*time.Minute)
}

type testPartitioner chan *int32

func (p testPartitioner) Partition(msg *PublishMessage, numPartitions int32) (int32, error) {
	part := <-p
	if part == nil {
		return 0, errors.New("BOOM")
	}

	return *part, nil
}

func (p testPartitioner) RequiresConsistency() bool {
	return true
}

func (p testPartitioner) feed(partition int32) {
	p <- &partition
}

type flakyEncoder bool

func (f flakyEncoder) Length() int {
	return len(TestMessage)
}

func (f flakyEncoder) Encode() ([]byte, error) {
	if !f {
		return nil, errors.New("flaky encoding error")
	}
	return []byte(TestMessage), nil
}

func TestPublisher(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	for i := 0; i < 10; i++ {
		leader.Returns(&PublishResponse{Err: ErrNoError, Offset: int64(1000 + i)})
	}

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage), Metadata: i}
	}
	for i := 0; i < 10; i++ {
		select {
		case pErr := <-publisher.Errors():
			t.Error(pErr.Err)
			if pErr.Msg.flags != 0 {
				t.Error("Message had flags set")
			}
		case msg := <-publisher.Successes():
			if msg.flags != 0 {
				t.Error("Message had flags set")
			}
			if msg.Metadata.(int) != i {
				t.Error("Message metadata did not match")
			}
			if msg.Offset != int64(1000+i) {
				t.Errorf("Message #%d delivered at offset %d", i, msg.Offset)
			}
			if msg.Partition != 0 {
				t.Error("Message delivered to wrong partition", msg.Partition)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("Timeout waiting for msg #%d", i)
			goto done
		}
	}
done:
	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherMultipleBrokers(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader0 := NewMockBroker(t, 2)
	leader1 := NewMockBroker(t, 3)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader0.Addr(), leader0.BrokerID())
	metadataResponse.AddBroker(leader1.Addr(), leader1.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader0.BrokerID(), nil, ErrNoError)
	metadataResponse.AddTopicPartition("my_topic", 1, leader1.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	prodSuccess := &PublishResponse{Err: ErrNoError}
	for i := 0; i < 5; i++ {
		leader0.Returns(prodSuccess)
		leader1.Returns(prodSuccess)
	}

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	config.Publish.Partitioner = NewRoundRobinPartitioner
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	}
	expectResults(t, publisher, 10, 0)

	closePublisher(t, publisher)
	leader1.Close()
	leader0.Close()
	seedBroker.Close()
}

func TestPublisherCustomPartitioner(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	prodSuccess := &PublishResponse{Err: ErrNoError}
	leader.Returns(prodSuccess)
	leader.Returns(prodSuccess)

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	config.Publish.Partitioner = func(topic string) Partitioner {
		p := make(testPartitioner)
		go func() {
			p.feed(0)
			p <- nil
			p <- nil
			p <- nil
			p.feed(0)
		}()
		return p
	}
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	}
	expectResults(t, publisher, 2, 3)

	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherEncoderFailures(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	prodSuccess := &PublishResponse{Err: ErrNoError}
	leader.Returns(prodSuccess)
	leader.Returns(prodSuccess)
	leader.Returns(prodSuccess)

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	config.Publish.Partitioner = NewManualPartitioner
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for flush := 0; flush < 3; flush++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: flakyEncoder(true), Value: flakyEncoder(false)}
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: flakyEncoder(false), Value: flakyEncoder(true)}
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: flakyEncoder(true), Value: flakyEncoder(true)}
		expectResults(t, publisher, 1, 2)
	}

	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherFailureRetry(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader1 := NewMockBroker(t, 2)
	leader2 := NewMockBroker(t, 3)

	metadataLeader1 := new(MetadataResponse)
	metadataLeader1.AddBroker(leader1.Addr(), leader1.BrokerID())
	metadataLeader1.AddTopicPartition("my_topic", 0, leader1.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataLeader1)

	prodNotLeader := &PublishResponse{Err: ErrNotLeaderForPartition}
	leader1.Returns(prodNotLeader)

	// the dispatch layer refreshes from the seed and learns who leads now
	metadataLeader2 := new(MetadataResponse)
	metadataLeader2.AddBroker(leader2.Addr(), leader2.BrokerID())
	metadataLeader2.AddTopicPartition("my_topic", 0, leader2.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataLeader2)

	prodSuccess := &PublishResponse{Err: ErrNoError}
	for i := 0; i < 10; i++ {
		leader2.Returns(prodSuccess)
	}

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	}
	expectResults(t, publisher, 10, 0)
	leader1.Close()

	// the new leader is cached now, nothing else should touch the seed
	for i := 0; i < 10; i++ {
		leader2.Returns(prodSuccess)
	}
	for i := 0; i < 10; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	}
	expectResults(t, publisher, 10, 0)

	leader2.Close()
	seedBroker.Close()
	closePublisher(t, publisher)
}

func TestPublisherRequeue(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	// the gateway burns its whole attempt budget on an unmoved leader, each
	// attempt refreshing from the seed and hearing the same story
	prodNotLeader := &PublishResponse{Err: ErrNotLeaderForPartition}
	leader.Returns(prodNotLeader)
	seedBroker.Returns(metadataResponse)
	leader.Returns(prodNotLeader)
	seedBroker.Returns(metadataResponse)
	leader.Returns(prodNotLeader)

	// the requeued message comes back around for a fresh dispatch
	leader.Returns(&PublishResponse{Err: ErrNoError})

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	expectResults(t, publisher, 1, 0)

	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherOutOfRetries(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	// two full dispatch passes, three attempts each with a refresh in between
	prodNotLeader := &PublishResponse{Err: ErrNotLeaderForPartition}
	for i := 0; i < 6; i++ {
		leader.Returns(prodNotLeader)
	}
	for i := 0; i < 4; i++ {
		seedBroker.Returns(metadataResponse)
	}

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	config.Publish.Retry.Max = 1
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}

	select {
	case pErr := <-publisher.Errors():
		if !errors.Is(pErr.Err, ErrNotLeaderForPartition) {
			t.Error(pErr.Err)
		}
	case <-publisher.Successes():
		t.Error("Unexpected success")
	}

	// the bus recovers, the next message goes straight through
	leader.Returns(&PublishResponse{Err: ErrNoError})
	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	expectResults(t, publisher, 1, 0)

	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherRecoveryWithRetriesDisabled(t *testing.T) {
	tt := func(t *testing.T, code ErrorCode) {
		seedBroker := NewMockBroker(t, 0)
		broker1 := NewMockBroker(t, 1)
		broker2 := NewMockBroker(t, 2)

		mockLeader := func(leaderID int32) *MockMetadataResponse {
			return NewMockMetadataResponse(t).
				SetBroker(seedBroker.Addr(), seedBroker.BrokerID()).
				SetBroker(broker1.Addr(), broker1.BrokerID()).
				SetBroker(broker2.Addr(), broker2.BrokerID()).
				SetLeader("my_topic", 0, leaderID).
				SetLeader("my_topic", 1, leaderID)
		}

		seedBroker.SetHandlerByMap(map[string]MockResponse{
			"MetadataRequest": mockLeader(broker1.BrokerID()),
		})

		config := NewTestConfig()
		config.ClientID = "TestPublisherRecoveryWithRetriesDisabled"
		config.Publish.Return.Successes = true
		config.Publish.Retry.Max = 0 // disable!
		config.Publish.Partitioner = NewManualPartitioner
		publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
		if err != nil {
			t.Fatal(err)
		}

		broker1.SetHandlerByMap(map[string]MockResponse{
			"MetadataRequest": mockLeader(broker1.BrokerID()),
			"PublishRequest": NewMockPublishResponse(t).
				SetError("my_topic", 0, code).
				SetError("my_topic", 1, code),
		})

		publisher.Input() <- &PublishMessage{Topic: "my_topic", Partition: 0, Value: StringEncoder(TestMessage)}
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Partition: 1, Value: StringEncoder(TestMessage)}
		expectResults(t, publisher, 0, 2)

		seedBroker.SetHandlerByMap(map[string]MockResponse{
			"MetadataRequest": mockLeader(broker2.BrokerID()),
		})
		broker1.SetHandlerByMap(map[string]MockResponse{
			"MetadataRequest": mockLeader(broker2.BrokerID()),
			"PublishRequest":  NewMockPublishResponse(t),
		})
		broker2.SetHandlerByMap(map[string]MockResponse{
			"MetadataRequest": mockLeader(broker2.BrokerID()),
			"PublishRequest":  NewMockPublishResponse(t),
		})

		publisher.Input() <- &PublishMessage{Topic: "my_topic", Partition: 0, Value: StringEncoder(TestMessage)}
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Partition: 1, Value: StringEncoder(TestMessage)}
		expectResults(t, publisher, 2, 0)

		closePublisher(t, publisher)
		seedBroker.Close()
		broker1.Close()
		broker2.Close()
	}

	t.Run("retriable error", func(t *testing.T) {
		tt(t, ErrNotLeaderForPartition)
	})

	t.Run("non-retriable error", func(t *testing.T) {
		tt(t, ErrMessageTooLarge)
	})
}

func TestPublisherNoAck(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	// NoAck publishes get no response frame at all, the mock just swallows them
	for i := 0; i < 5; i++ {
		leader.Returns(&mockEncoder{})
	}

	config := NewTestConfig()
	config.Publish.AckLevel = NoAck
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	}
	for i := 0; i < 5; i++ {
		select {
		case msg := <-publisher.Successes():
			if msg.Offset != 0 {
				t.Error("NoAck delivery reported an offset:", msg.Offset)
			}
		case pErr := <-publisher.Errors():
			t.Error(pErr.Err)
		case <-time.After(15 * time.Second):
			t.Fatalf("Timeout waiting for msg #%d", i)
		}
	}

	closePublisher(t, publisher)
	leader.Close()
	if len(leader.History()) != 5 {
		t.Error("Leader did not see all five publishes:", len(leader.History()))
	}
	seedBroker.Close()
}

func TestPublisherMessageSizeLimit(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	leader.Returns(&PublishResponse{Err: ErrNoError})

	config := NewTestConfig()
	config.Publish.MaxMessageBytes = 100
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	publisher.Input() <- &PublishMessage{Topic: "my_topic", Value: ByteEncoder(make([]byte, 200))}
	publisher.Input() <- &PublishMessage{Topic: "my_topic", Value: StringEncoder(TestMessage)}

	pErr := <-publisher.Errors()
	if !errors.Is(pErr.Err, ErrMessageSizeTooLarge) {
		t.Error(pErr.Err)
	}
	expectResults(t, publisher, 1, 0)

	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherInvalidTopic(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(seedBroker.Addr(), seedBroker.BrokerID())
	seedBroker.Returns(metadataResponse)

	publisher, err := NewPublisher([]string{seedBroker.Addr()}, NewTestConfig())
	if err != nil {
		t.Fatal(err)
	}

	publisher.Input() <- &PublishMessage{Topic: "", Value: StringEncoder(TestMessage)}

	pErr := <-publisher.Errors()
	if !errors.Is(pErr.Err, ErrInvalidTopic) {
		t.Error(pErr.Err)
	}

	closePublisher(t, publisher)
	seedBroker.Close()
}

func TestPublisherNilMessage(t *testing.T) {
	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	leader.Returns(&PublishResponse{Err: ErrNoError})

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	// a nil message is logged and dropped, everything behind it still flows
	publisher.Input() <- nil
	publisher.Input() <- &PublishMessage{Topic: "my_topic", Value: StringEncoder(TestMessage)}
	expectResults(t, publisher, 1, 0)

	closePublisher(t, publisher)
	leader.Close()
	seedBroker.Close()
}

func TestPublisherShutdownFlushesRequeued(t *testing.T) {
	defer leaktest.Check(t)()

	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	prodNotLeader := &PublishResponse{Err: ErrNotLeaderForPartition}
	leader.Returns(prodNotLeader)
	seedBroker.Returns(metadataResponse)
	leader.Returns(prodNotLeader)
	seedBroker.Returns(metadataResponse)
	leader.Returns(prodNotLeader)
	leader.Returns(&PublishResponse{Err: ErrNoError})

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	// the message is still mid-flight when the shutdown starts, and it has a
	// requeue ahead of it before it finally lands
	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	publisher.AsyncClose()

	expectResults(t, publisher, 1, 0)

	// wait for the async-closed publisher to shut down fully
	for pErr := range publisher.Errors() {
		t.Error(pErr)
	}

	leader.Close()
	seedBroker.Close()
}

func TestPublisherShutdownRejectsNewMessages(t *testing.T) {
	defer leaktest.Check(t)()

	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	// keep one message in flight long enough for the shutdown flag and the
	// late arrival to be processed behind it
	leader.SetLatency(500 * time.Millisecond)
	leader.Returns(&PublishResponse{Err: ErrNoError})

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	publisher.AsyncClose()
	time.Sleep(5 * time.Millisecond) // let the shutdown goroutine kick in

	publisher.Input() <- &PublishMessage{Topic: "FOO"}
	if pErr := <-publisher.Errors(); !errors.Is(pErr.Err, ErrShuttingDown) {
		t.Error(pErr)
	}

	expectResults(t, publisher, 1, 0)

	// wait for the async-closed publisher to shut down fully
	for pErr := range publisher.Errors() {
		t.Error(pErr)
	}

	leader.Close()
	seedBroker.Close()
}

func TestPublisherNoReturns(t *testing.T) {
	defer leaktest.Check(t)()

	seedBroker := NewMockBroker(t, 1)
	leader := NewMockBroker(t, 2)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(leader.Addr(), leader.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, leader.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	prodSuccess := &PublishResponse{Err: ErrNoError}
	for i := 0; i < 10; i++ {
		leader.Returns(prodSuccess)
	}

	config := NewTestConfig()
	config.Publish.Return.Successes = false
	config.Publish.Return.Errors = false
	publisher, err := NewPublisher([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	}

	wait := make(chan bool)
	go func() {
		if err := publisher.Close(); err != nil {
			t.Error(err)
		}
		close(wait)
	}()

	<-wait
	seedBroker.Close()
	leader.Close()
}

func TestPublisherSharedGateway(t *testing.T) {
	defer leaktest.Check(t)()

	seedBroker := NewMockBroker(t, 1)

	metadataResponse := new(MetadataResponse)
	metadataResponse.AddBroker(seedBroker.Addr(), seedBroker.BrokerID())
	metadataResponse.AddTopicPartition("my_topic", 0, seedBroker.BrokerID(), nil, ErrNoError)
	seedBroker.Returns(metadataResponse)

	config := NewTestConfig()
	config.Publish.Return.Successes = true
	router, err := NewRouter([]string{seedBroker.Addr()}, config)
	if err != nil {
		t.Fatal(err)
	}
	gateway, err := NewGatewayFromRouter(router)
	if err != nil {
		t.Fatal(err)
	}

	publisher, err := NewPublisherFromGateway(gateway)
	if err != nil {
		t.Fatal(err)
	}
	seedBroker.Returns(&PublishResponse{Err: ErrNoError})
	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	expectResults(t, publisher, 1, 0)
	closePublisher(t, publisher)

	if router.Closed() {
		t.Error("closing the publisher should leave a shared router open")
	}

	// the same gateway serves a second publisher
	publisher, err = NewPublisherFromGateway(gateway)
	if err != nil {
		t.Fatal(err)
	}
	seedBroker.Returns(&PublishResponse{Err: ErrNoError})
	publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder(TestMessage)}
	expectResults(t, publisher, 1, 0)
	closePublisher(t, publisher)

	safeClose(t, gateway)
	safeClose(t, router)

	if _, err = NewPublisherFromGateway(gateway); !errors.Is(err, ErrClosedRouter) {
		t.Error("expected the closed router to be rejected, got", err)
	}

	seedBroker.Close()
}

// This example shows how to use the publisher while simultaneously
// reading the Errors channel to know about any failures.
func ExamplePublisher_select() {
	publisher, err := NewPublisher([]string{"localhost:8091"}, nil)
	if err != nil {
		panic(err)
	}

	defer func() {
		if err := publisher.Close(); err != nil {
			log.Fatalln(err)
		}
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)

	var enqueued, publishErrors int
PublisherLoop:
	for {
		select {
		case publisher.Input() <- &PublishMessage{Topic: "my_topic", Key: nil, Value: StringEncoder("testing 123")}:
			enqueued++
		case err := <-publisher.Errors():
			log.Println("Failed to publish message", err)
			publishErrors++
		case <-signals:
			break PublisherLoop
		}
	}

	log.Printf("Enqueued: %d; errors: %d\n", enqueued, publishErrors)
}

// This example shows how to use the publisher with separate goroutines
// reading from the Successes and Errors channels. Note that in order
// for the Successes channel to be populated, you have to set
// config.Publish.Return.Successes to true.
func ExamplePublisher_goroutines() {
	config := NewConfig()
	config.Publish.Return.Successes = true
	publisher, err := NewPublisher([]string{"localhost:8091"}, config)
	if err != nil {
		panic(err)
	}

	// Trap SIGINT to trigger a graceful shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)

	var (
		wg                                 sync.WaitGroup
		enqueued, successes, publishErrors int
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range publisher.Successes() {
			successes++
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range publisher.Errors() {
			log.Println(err)
			publishErrors++
		}
	}()

PublisherLoop:
	for {
		message := &PublishMessage{Topic: "my_topic", Value: StringEncoder("testing 123")}
		select {
		case publisher.Input() <- message:
			enqueued++

		case <-signals:
			publisher.AsyncClose() // Trigger a shutdown of the publisher.
			break PublisherLoop
		}
	}

	wg.Wait()

	log.Printf("Successfully published: %d; errors: %d\n", successes, publishErrors)
}
