package courier

import "sync"

// SyncPublisher publishes bus messages, blocking until each one has been
// acknowledged or has definitively failed. It routes through the same dispatch
// pipeline as the asynchronous Publisher. You must call Close() on a sync
// publisher to avoid leaks, it may not be garbage-collected automatically when
// it passes out of scope (this is in addition to closing any gateway or router
// it was built from, which is still necessary).
type SyncPublisher struct {
	publisher Publisher
	wg        sync.WaitGroup
}

// NewSyncPublisher creates a new SyncPublisher using the given broker addresses and configuration.
func NewSyncPublisher(addrs []string, conf *Config) (*SyncPublisher, error) {
	if conf == nil {
		conf = NewConfig()
		conf.Publish.Return.Successes = true
	}

	if err := verifyPublisherConfig(conf); err != nil {
		return nil, err
	}

	p, err := NewPublisher(addrs, conf)
	if err != nil {
		return nil, err
	}
	return newSyncPublisherFromPublisher(p), nil
}

// NewSyncPublisherFromGateway creates a new SyncPublisher using the given gateway. It is still
// necessary to close the gateway (and its router) when shutting down this publisher.
func NewSyncPublisherFromGateway(gw Gateway) (*SyncPublisher, error) {
	if err := verifyPublisherConfig(gw.Router().Config()); err != nil {
		return nil, err
	}

	p, err := NewPublisherFromGateway(gw)
	if err != nil {
		return nil, err
	}
	return newSyncPublisherFromPublisher(p), nil
}

func newSyncPublisherFromPublisher(p Publisher) *SyncPublisher {
	sp := &SyncPublisher{publisher: p}

	sp.wg.Add(2)
	go withRecover(sp.handleSuccesses)
	go withRecover(sp.handleErrors)

	return sp
}

func verifyPublisherConfig(conf *Config) error {
	if !conf.Publish.Return.Errors {
		return ConfigurationError("Publish.Return.Errors must be true to be used in a SyncPublisher")
	}
	if !conf.Publish.Return.Successes {
		return ConfigurationError("Publish.Return.Successes must be true to be used in a SyncPublisher")
	}
	return nil
}

// Publish delivers the given message and blocks until the bus has acknowledged
// it. It returns the partition and offset of the published message, or the
// error (if any). To send strings as either key or value, see the
// StringEncoder type.
func (sp *SyncPublisher) Publish(msg *PublishMessage) (partition int32, offset int64, err error) {
	expectation := make(chan *PublishError, 1)
	msg.expectation = expectation
	sp.publisher.Input() <- msg

	if pErr := <-expectation; pErr != nil {
		return -1, -1, pErr.Err
	}

	return msg.Partition, msg.Offset, nil
}

func (sp *SyncPublisher) handleSuccesses() {
	defer sp.wg.Done()
	for msg := range sp.publisher.Successes() {
		expectation := msg.expectation
		expectation <- nil
	}
}

func (sp *SyncPublisher) handleErrors() {
	defer sp.wg.Done()
	for pErr := range sp.publisher.Errors() {
		expectation := pErr.Msg.expectation
		expectation <- pErr
	}
}

// Close shuts down the publisher and waits for any outstanding messages. You
// must call this function before a sync publisher object passes out of scope,
// as it may otherwise leak memory.
func (sp *SyncPublisher) Close() error {
	sp.publisher.AsyncClose()
	sp.wg.Wait()
	return nil
}
