package courier

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/queue"
)

// Publisher publishes bus messages using a non-blocking API. It assigns each
// message a partition, hands it to a Gateway for delivery to that partition's
// leader, and reports the outcome on the Successes and Errors channels.
// Results are buffered internally so a slow reader never stalls dispatch, but
// both channels must still be drained or shutdown will not complete. You must
// call Close() or AsyncClose() on a publisher to avoid leaks: it will not be
// garbage-collected automatically when it passes out of scope.
type Publisher interface {

	// AsyncClose triggers a shutdown of the publisher, flushing any messages it may
	// have buffered. The shutdown has completed when both the Errors and Successes
	// channels have been closed. When calling AsyncClose, you *must* continue to
	// read from those channels in order to drain the results of any messages in
	// flight.
	AsyncClose()

	// Close shuts down the publisher and flushes any messages it may have buffered.
	// You must call this function before a publisher object passes out of scope, as
	// it may otherwise leak memory. You must call this before calling Close on the
	// underlying gateway or router.
	Close() error

	// Input is the input channel for the user to write messages to that they wish to send.
	Input() chan<- *PublishMessage

	// Successes is the success output channel back to the user when Return.Successes is
	// enabled. If Return.Successes is true, you MUST read from this channel or the
	// publisher's shutdown will never complete.
	Successes() <-chan *PublishMessage

	// Errors is the error output channel back to the user. You MUST read from this
	// channel or the publisher's shutdown will never complete. Alternatively, you can
	// set Publish.Return.Errors in your config to false, which drops errors into the
	// log instead.
	Errors() <-chan *PublishError
}

type publisher struct {
	gateway    Gateway
	conf       *Config
	ownGateway bool

	errors                    chan *PublishError
	input, successes, retries chan *PublishMessage
	results                   chan *PublishError
	inFlight                  sync.WaitGroup
}

// NewPublisher creates a new Publisher using the given broker addresses and configuration.
func NewPublisher(addrs []string, conf *Config) (Publisher, error) {
	gw, err := NewGateway(addrs, conf)
	if err != nil {
		return nil, err
	}

	p, err := NewPublisherFromGateway(gw)
	if err != nil {
		return nil, err
	}
	p.(*publisher).ownGateway = true
	return p, nil
}

// NewPublisherFromGateway creates a new Publisher using the given gateway. It is still
// necessary to close the gateway (and its router) when shutting down this publisher.
func NewPublisherFromGateway(gw Gateway) (Publisher, error) {
	// Check that we are not dealing with a closed topology before processing any other arguments
	if gw.Router().Closed() {
		return nil, ErrClosedRouter
	}

	p := &publisher{
		gateway:   gw,
		conf:      gw.Router().Config(),
		errors:    make(chan *PublishError),
		input:     make(chan *PublishMessage),
		successes: make(chan *PublishMessage),
		retries:   make(chan *PublishMessage),
		results:   make(chan *PublishError),
	}

	// launch our singleton dispatchers
	go withRecover(p.topicDispatcher)
	go withRecover(p.retryHandler)
	go withRecover(p.resultBridge)

	return p, nil
}

type flagSet int8

const (
	shutdown flagSet = 1 << iota // start the shutdown process
)

// PublishMessage is the collection of elements passed to the Publisher in order to send a message.
type PublishMessage struct {
	Topic string  // The bus topic for this message.
	Key   Encoder // The partitioning key for this message. It must implement the Encoder interface. Pre-existing Encoders include StringEncoder and ByteEncoder.
	Value Encoder // The actual message to store on the bus. It must implement the Encoder interface. Pre-existing Encoders include StringEncoder and ByteEncoder.

	// These are filled in by the publisher as the message is processed
	Offset    int64 // Offset is the offset of the message stored on the bus. This is only guaranteed to be defined if the message was successfully delivered and AckLevel is not NoAck.
	Partition int32 // Partition is the partition that the message was sent to. This is only guaranteed to be defined if the message was successfully delivered.

	Metadata interface{} // This field is used to hold arbitrary data you wish to include so it will be available when receiving on the Successes and Errors channels. Courier completely ignores this field and it is only to be used for pass-through data.

	retries     int
	flags       flagSet
	expectation chan *PublishError
}

func (m *PublishMessage) byteSize() int {
	size := 25 // the wire overhead of the offset, length, CRC, and attribute fields
	if m.Key != nil {
		size += m.Key.Length()
	}
	if m.Value != nil {
		size += m.Value.Length()
	}
	return size
}

func (m *PublishMessage) clear() {
	m.flags = 0
	m.retries = 0
}

func (p *publisher) Errors() <-chan *PublishError {
	return p.errors
}

func (p *publisher) Successes() <-chan *PublishMessage {
	return p.successes
}

func (p *publisher) Input() chan<- *PublishMessage {
	return p.input
}

func (p *publisher) Close() error {
	p.AsyncClose()

	if p.conf.Publish.Return.Successes {
		go withRecover(func() {
			for range p.successes {
			}
		})
	}

	var pErrs PublishErrors
	if p.conf.Publish.Return.Errors {
		for event := range p.errors {
			pErrs = append(pErrs, event)
		}
	} else {
		<-p.errors
	}

	if len(pErrs) > 0 {
		return pErrs
	}
	return nil
}

func (p *publisher) AsyncClose() {
	go withRecover(p.shutdown)
}

///////////////////////////////////////////
// In normal processing, a message flows through the following functions from
// top to bottom, starting at topicDispatcher (which reads from Publisher.input)
// and ending in partitionPublisher (which hands the message to the gateway).
// In cases where a message must be requeued, it goes through retryHandler
// before being returned to the top of the flow.
///////////////////////////////////////////

// singleton
// dispatches messages by topic
func (p *publisher) topicDispatcher() {
	handlers := make(map[string]chan *PublishMessage)
	shuttingDown := false

	for msg := range p.input {
		if msg == nil {
			Logger.Println("Something tried to send a nil message, it was ignored.")
			continue
		}

		if msg.flags&shutdown != 0 {
			shuttingDown = true
			continue
		} else if msg.retries == 0 {
			p.inFlight.Add(1)
			if shuttingDown {
				p.returnError(msg, ErrShuttingDown)
				continue
			}
		}

		if msg.byteSize() > p.conf.Publish.MaxMessageBytes {
			p.returnError(msg, ErrMessageSizeTooLarge)
			continue
		}

		handler := handlers[msg.Topic]
		if handler == nil {
			newHandler := make(chan *PublishMessage, p.conf.ChannelBufferSize)
			topic := msg.Topic // block local because go's closure semantics suck
			go withRecover(func() { p.partitionDispatcher(topic, newHandler) })
			handler = newHandler
			handlers[msg.Topic] = handler
		}

		handler <- msg
	}

	for _, handler := range handlers {
		close(handler)
	}
}

// one per topic
// partitions messages, then dispatches them by partition
func (p *publisher) partitionDispatcher(topic string, input chan *PublishMessage) {
	handlers := make(map[int32]chan *PublishMessage)
	partitioner := p.conf.Publish.Partitioner(topic)
	breaker := breaker.New(3, 1, 10*time.Second)

	for msg := range input {
		// messages coming back around after a failed dispatch get a fresh
		// assignment, their previous one is exactly what went stale
		if err := p.assignPartition(breaker, partitioner, msg); err != nil {
			p.returnError(msg, err)
			continue
		}

		handler := handlers[msg.Partition]
		if handler == nil {
			newHandler := make(chan *PublishMessage, p.conf.ChannelBufferSize)
			topic := msg.Topic         // block local because go's closure semantics suck
			partition := msg.Partition // block local because go's closure semantics suck
			go withRecover(func() { p.partitionPublisher(topic, partition, newHandler) })
			handler = newHandler
			handlers[msg.Partition] = handler
		}

		handler <- msg
	}

	for _, handler := range handlers {
		close(handler)
	}
}

// one per topic-partition
// turns messages into publish requests and hands them to the gateway, which
// owns leader routing and all retries below this layer
func (p *publisher) partitionPublisher(topic string, partition int32, input chan *PublishMessage) {
	for msg := range input {
		req, err := p.buildRequest(msg)
		if err != nil {
			p.returnError(msg, err)
			continue
		}

		resp, err := p.gateway.SendRequest(req, topic, partition)
		switch {
		case err == nil && resp == nil:
			// NoAck leaves the offset undefined, the TCP write is the only confirmation
			p.returnSuccess(msg)
		case err == nil:
			msg.Offset = resp.(*PublishResponse).Offset
			p.returnSuccess(msg)
		case isMessageRequeueable(err):
			Logger.Printf("publisher/%s/%d requeueing message because %s\n", topic, partition, err)
			p.retryMessage(msg, err)
		default:
			p.returnError(msg, err)
		}
	}
}

// singleton
// effectively a "bridge" between the partition publishers and the topicDispatcher
// in order to avoid deadlock on the requeue path
// based on https://godoc.org/github.com/eapache/channels#InfiniteChannel
func (p *publisher) retryHandler() {
	var msg *PublishMessage
	buf := queue.New()

	for {
		if buf.Length() == 0 {
			msg = <-p.retries
		} else {
			select {
			case msg = <-p.retries:
			case p.input <- buf.Peek().(*PublishMessage):
				buf.Remove()
				continue
			}
		}

		if msg == nil {
			return
		}

		buf.Add(msg)
	}
}

// singleton
// buffers results on their way out to the user so that however slowly the
// Successes and Errors channels are drained, the dispatch goroutines never
// block on a result hand-off
func (p *publisher) resultBridge() {
	buf := queue.New()
	results := p.results

	for results != nil || buf.Length() > 0 {
		var (
			sendSuccess chan *PublishMessage
			sendError   chan *PublishError
			headMsg     *PublishMessage
			headErr     *PublishError
		)
		if buf.Length() > 0 {
			head := buf.Peek().(*PublishError)
			if head.Err == nil {
				sendSuccess = p.successes
				headMsg = head.Msg
			} else {
				sendError = p.errors
				headErr = head
			}
		}

		select {
		case res, ok := <-results:
			if !ok {
				results = nil // all dispatchers are done, drain what is buffered
				continue
			}
			buf.Add(res)
		case sendSuccess <- headMsg:
			buf.Remove()
		case sendError <- headErr:
			buf.Remove()
		}
	}

	close(p.errors)
	close(p.successes)
}

///////////////////////////////////////////
///////////////////////////////////////////

// utility functions

func (p *publisher) shutdown() {
	Logger.Println("Publisher shutting down.")
	p.input <- &PublishMessage{flags: shutdown}

	p.inFlight.Wait()

	if p.ownGateway {
		err := p.gateway.Close()
		if err != nil {
			Logger.Println("publisher/shutdown failed to close the embedded gateway:", err)
		}
	}

	close(p.input)
	close(p.retries)
	close(p.results)
}

func (p *publisher) assignPartition(breaker *breaker.Breaker, partitioner Partitioner, msg *PublishMessage) error {
	var partitions []int32

	// only the metadata lookup runs under the breaker, a misbehaving
	// partitioner should not poison it
	err := breaker.Run(func() (err error) {
		if partitioner.RequiresConsistency() {
			partitions, err = p.gateway.Router().Partitions(msg.Topic)
		} else {
			partitions, err = p.gateway.Router().WritablePartitions(msg.Topic)
		}
		return
	})

	if err != nil {
		return err
	}

	numPartitions := int32(len(partitions))

	if numPartitions == 0 {
		return ErrLeaderNotAvailable
	}

	choice, err := partitioner.Partition(msg, numPartitions)

	if err != nil {
		return err
	} else if choice < 0 || choice >= numPartitions {
		return ErrInvalidPartition
	}

	msg.Partition = partitions[choice]

	return nil
}

func (p *publisher) buildRequest(msg *PublishMessage) (*PublishRequest, error) {
	req := &PublishRequest{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		AckLevel:  p.conf.Publish.AckLevel,
		Timeout:   int32(p.conf.Publish.Timeout / time.Millisecond),
	}

	var keyBytes, valBytes []byte
	var err error
	if msg.Key != nil {
		if keyBytes, err = msg.Key.Encode(); err != nil {
			return nil, err
		}
	}
	if msg.Value != nil {
		if valBytes, err = msg.Value.Encode(); err != nil {
			return nil, err
		}
	}

	if p.conf.Publish.Compression == CompressionNone {
		req.AddMessage(&Message{Codec: CompressionNone, Key: keyBytes, Value: valBytes})
		return req, nil
	}

	// compression causes message-sets to be wrapped as single messages, so the
	// payload rides pre-encoded inside the wrapper's value
	inner := new(MessageSet)
	inner.addMessage(&Message{Codec: CompressionNone, Key: keyBytes, Value: valBytes})
	wrapped, err := encode(inner, p.conf.MetricRegistry)
	if err != nil {
		return nil, err
	}
	req.AddMessage(&Message{
		Codec:            p.conf.Publish.Compression,
		CompressionLevel: p.conf.Publish.CompressionLevel,
		Value:            wrapped,
	})
	return req, nil
}

// isMessageRequeueable reports whether sending the message again under a fresh
// partition assignment could plausibly succeed. The gateway has already spent
// its own attempt budget by the time any of these surface here.
func isMessageRequeueable(err error) bool {
	if errors.Is(err, ErrInvalidTopicMetadata) || errors.Is(err, ErrInvalidPartition) {
		return true
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	return errors.Is(err, ErrUnknownTopicOrPartition) ||
		errors.Is(err, ErrNotLeaderForPartition) ||
		errors.Is(err, ErrLeaderNotAvailable) ||
		errors.Is(err, ErrRequestTimedOut)
}

func (p *publisher) retryMessage(msg *PublishMessage, err error) {
	if msg.retries >= p.conf.Publish.Retry.Max {
		p.returnError(msg, err)
		return
	}
	msg.retries++
	time.Sleep(p.conf.Publish.Retry.Backoff)
	p.retries <- msg
}

func (p *publisher) returnError(msg *PublishMessage, err error) {
	msg.clear()
	pErr := &PublishError{Msg: msg, Err: err}
	if p.conf.Publish.Return.Errors {
		p.results <- pErr
	} else {
		Logger.Println(pErr)
	}
	p.inFlight.Done()
}

func (p *publisher) returnSuccess(msg *PublishMessage) {
	if p.conf.Publish.Return.Successes {
		msg.clear()
		p.results <- &PublishError{Msg: msg}
	}
	p.inFlight.Done()
}
