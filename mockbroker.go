package courier

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

const (
	expectationTimeout = 500 * time.Millisecond
)

type requestHandlerFunc func(req *request) *BrokerExpectation

// RequestNotifierFunc is invoked when the mock broker is done serving a
// request, with the number of bytes it read off the wire and wrote back.
type RequestNotifierFunc func(bytesRead, bytesWritten int)

// MockBroker is a mock bus node. It consists of a TCP server on a
// kernel-selected localhost port that accepts any number of connections. It
// reads Courier requests from those connections and answers each one from a
// programmed expectation.
//
// The broker runs in one of two modes. In expectation-queue mode (the
// default) responses are pushed with Returns or Expects and served strictly
// in order. Calling SetHandlerByMap switches to handler mode, where response
// builders are chosen by the name of the incoming request type. When running
// tests with one of these, it is strongly recommended to specify a timeout to
// `go test` so that if the broker hangs waiting for a request, the test
// panics.
//
// It is not necessary to prefix the message length or correlation ID to your
// response bytes, the server does that automatically as a convenience.
type MockBroker struct {
	brokerID     int32
	port         int32
	closing      chan none
	stopper      chan none
	expectations chan *BrokerExpectation
	listener     net.Listener
	t            TestReporter
	latency      time.Duration
	handler      requestHandlerFunc
	notifier     RequestNotifierFunc
	history      []RequestResponse
	lock         sync.Mutex
}

// RequestResponse represents a request/response pair processed by the mock
// broker. The Response is nil for requests the broker ignored or answered by
// dropping the connection.
type RequestResponse struct {
	Request  Request
	Response encoder
}

// BrokerExpectation programs how the MockBroker answers a single request.
type BrokerExpectation struct {
	Before  func()        // Before is called once the request has been received, before anything is sent back.
	Latency time.Duration // Latency to sleep before the response is sent.

	Response           encoder   // Response holds what will be sent back to the client. When nil (and no frames follow), nothing is sent at all.
	ContinuationFrames []encoder // ContinuationFrames are sent after Response, one frame each; the more-frames flag is set on every frame but the last.

	DropConnection bool   // DropConnection severs the connection instead of answering.
	After          func() // After is called once the full response has been written.

	// IgnoreConnectionErrors suppresses test failures for connectivity issues
	// hit while serving this expectation. Set it when the client is expected
	// to hang up mid-exchange.
	IgnoreConnectionErrors bool
}

// MockCluster is a convenience handle on a set of MockBrokers posing as a bus.
type MockCluster map[int32]*MockBroker

// NewMockCluster launches a fake bus consisting of the specified number of
// mock brokers, with IDs 1 through n.
func NewMockCluster(t TestReporter, brokers int32) MockCluster {
	cluster := make(MockCluster)
	for i := int32(1); i <= brokers; i++ {
		cluster[i] = NewMockBroker(t, i)
	}
	return cluster
}

// Addrs returns the cluster's addresses, usable as the seed list for a Router.
func (mc MockCluster) Addrs() []string {
	addrs := make([]string, 0, len(mc))
	for _, broker := range mc {
		addrs = append(addrs, broker.Addr())
	}
	return addrs
}

// Close closes all the MockBrokers in this cluster, which also validates that
// every expectation set on them was consumed.
func (mc MockCluster) Close() {
	for _, broker := range mc {
		broker.Close()
	}
}

// NewMockBroker launches a fake bus node. It takes a TestReporter as provided
// by the test framework and a broker ID to respond with.
func NewMockBroker(t TestReporter, brokerID int32) *MockBroker {
	return NewMockBrokerAddr(t, brokerID, "localhost:0")
}

// NewMockBrokerAddr behaves like NewMockBroker but listens on the address you
// give it rather than just some ephemeral port.
func NewMockBrokerAddr(t TestReporter, brokerID int32, addr string) *MockBroker {
	broker := &MockBroker{
		closing:      make(chan none),
		stopper:      make(chan none),
		t:            t,
		brokerID:     brokerID,
		expectations: make(chan *BrokerExpectation, 512),
	}

	var err error
	broker.listener, err = net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	DebugLogger.Printf("*** mockbroker/%d listening on %s\n", brokerID, broker.listener.Addr().String())
	_, portStr, err := net.SplitHostPort(broker.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	tmp, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		t.Fatal(err)
	}
	broker.port = int32(tmp)

	go withRecover(broker.serverLoop)

	return broker
}

// BrokerID returns the ID this mock identifies as in metadata responses.
func (b *MockBroker) BrokerID() int32 {
	return b.brokerID
}

// Port returns the TCP port the mock is listening on.
func (b *MockBroker) Port() int32 {
	return b.port
}

// Addr returns the host:port of the mock's listener.
func (b *MockBroker) Addr() string {
	return b.listener.Addr().String()
}

// History returns a slice of RequestResponse pairs in the order they were
// processed by the mock. Note that in case of CRC mismatch the request is not
// counted.
func (b *MockBroker) History() []RequestResponse {
	b.lock.Lock()
	history := make([]RequestResponse, len(b.history))
	copy(history, b.history)
	b.lock.Unlock()
	return history
}

// SetLatency makes the mock sleep for the given duration on every request, on
// top of any per-expectation latency.
func (b *MockBroker) SetLatency(latency time.Duration) {
	b.latency = latency
}

// SetHandlerByMap puts the mock into handler mode: instead of consuming the
// expectation queue it picks a response builder by the name of the incoming
// request type, e.g. "MetadataRequest" or "PublishRequest". Requests with no
// entry in the map are ignored.
func (b *MockBroker) SetHandlerByMap(handlerMap map[string]MockResponse) {
	b.setHandler(func(req *request) *BrokerExpectation {
		reqTypeName := reflect.TypeOf(req.body).Elem().Name()
		mockResponse := handlerMap[reqTypeName]
		if mockResponse == nil {
			return nil
		}
		return &BrokerExpectation{Response: mockResponse.For(req.body)}
	})
}

// SetNotifier sets a function that will get invoked whenever a request has
// been processed successfully and will provide the number of bytes read and
// written.
func (b *MockBroker) SetNotifier(notifier RequestNotifierFunc) {
	b.lock.Lock()
	b.notifier = notifier
	b.lock.Unlock()
}

// Returns queues a response to be served for the next request, in order.
func (b *MockBroker) Returns(response encoder) {
	b.expectations <- &BrokerExpectation{Response: response}
}

// Expects queues a full expectation, giving control over callbacks, latency,
// continuation frames and connection behavior.
func (b *MockBroker) Expects(expectation *BrokerExpectation) {
	b.expectations <- expectation
}

// Close terminates the mock and fails the test if not all queued expectations
// were consumed.
func (b *MockBroker) Close() {
	close(b.expectations)
	if len(b.expectations) > 0 {
		buf := bytes.NewBufferString(fmt.Sprintf("mockbroker/%d not all expectations were satisfied! Still waiting on:\n", b.BrokerID()))
		for e := range b.expectations {
			_, _ = buf.WriteString(spew.Sdump(e))
		}
		b.t.Error(buf.String())
	}
	close(b.closing)
	<-b.stopper
}

func (b *MockBroker) setHandler(handler requestHandlerFunc) {
	b.lock.Lock()
	b.handler = handler
	b.lock.Unlock()
}

func (b *MockBroker) serverLoop() {
	defer close(b.stopper)

	go func() {
		<-b.closing
		if err := b.listener.Close(); err != nil {
			b.t.Error(err)
		}
	}()

	wg := &sync.WaitGroup{}
	i := 0
	for conn, err := b.listener.Accept(); err == nil; conn, err = b.listener.Accept() {
		wg.Add(1)
		go func(idx int, conn net.Conn) {
			defer wg.Done()
			b.handleRequests(conn, idx)
		}(i, conn)
		i++
	}
	wg.Wait()
	DebugLogger.Printf("*** mockbroker/%d: listener closed\n", b.BrokerID())
}

func (b *MockBroker) handleRequests(conn net.Conn, idx int) {
	defer func() {
		_ = conn.Close()
	}()
	DebugLogger.Printf("*** mockbroker/%d/%d: connection opened\n", b.BrokerID(), idx)

	abort := make(chan none)
	defer close(abort)
	go func() {
		select {
		case <-b.closing:
			_ = conn.Close()
		case <-abort:
		}
	}()

	for {
		req, bytesRead, err := decodeRequest(conn)
		if err != nil {
			b.serverError(err, false)
			return
		}

		exp := b.dispatch(req)

		b.lock.Lock()
		if exp == nil {
			b.history = append(b.history, RequestResponse{Request: req.body})
		} else {
			b.history = append(b.history, RequestResponse{Request: req.body, Response: exp.Response})
		}
		b.lock.Unlock()

		if exp == nil {
			Logger.Printf("*** mockbroker/%d/%d: ignored %v\n", b.brokerID, idx, spew.Sdump(req))
			continue
		}

		if exp.Before != nil {
			exp.Before()
		}

		if b.latency > 0 {
			time.Sleep(b.latency)
		}
		if exp.Latency > 0 {
			time.Sleep(exp.Latency)
		}

		if exp.DropConnection {
			DebugLogger.Printf("*** mockbroker/%d/%d: dropping connection by expectation\n", b.brokerID, idx)
			return
		}

		bytesWritten, err := b.writeResponse(conn, req, exp)
		if err != nil {
			b.serverError(err, exp.IgnoreConnectionErrors)
			return
		}

		if exp.After != nil {
			exp.After()
		}

		b.notify(bytesRead, bytesWritten)
	}
}

// dispatch resolves the expectation for a request, either through the
// installed handler or by consuming the expectation queue.
func (b *MockBroker) dispatch(req *request) *BrokerExpectation {
	b.lock.Lock()
	handler := b.handler
	b.lock.Unlock()

	if handler == nil {
		handler = b.defaultRequestHandler
	}
	return handler(req)
}

func (b *MockBroker) defaultRequestHandler(req *request) *BrokerExpectation {
	select {
	case exp, ok := <-b.expectations:
		if !ok {
			return nil
		}
		return exp
	case <-time.After(expectationTimeout):
		return nil
	}
}

// writeResponse frames and writes every part of the expectation's response.
// Each frame echoes the request's correlation ID; the more-frames flag is set
// on all frames but the last.
func (b *MockBroker) writeResponse(conn net.Conn, req *request, exp *BrokerExpectation) (int, error) {
	frames := make([][]byte, 0, 1+len(exp.ContinuationFrames))
	if exp.Response != nil {
		buf, err := encode(exp.Response, nil)
		if err != nil {
			return 0, err
		}
		if len(buf) > 0 {
			frames = append(frames, buf)
		}
	}
	for _, frame := range exp.ContinuationFrames {
		buf, err := encode(frame, nil)
		if err != nil {
			return 0, err
		}
		frames = append(frames, buf)
	}

	written := 0
	header := make([]byte, responseHeaderLength)
	for i, frame := range frames {
		binary.BigEndian.PutUint32(header, uint32(len(frame)+5))
		binary.BigEndian.PutUint32(header[4:], uint32(req.correlationID))
		if i < len(frames)-1 {
			header[8] = responseFlagMoreFrames
		} else {
			header[8] = 0
		}

		if _, err := conn.Write(header); err != nil {
			return written, err
		}
		written += len(header)

		if _, err := conn.Write(frame); err != nil {
			return written, err
		}
		written += len(frame)
	}
	return written, nil
}

func (b *MockBroker) serverError(err error, ignore bool) {
	if ignore || isConnectionClosedError(err) {
		return
	}
	b.t.Errorf(err.Error())
}

func (b *MockBroker) notify(bytesRead, bytesWritten int) {
	b.lock.Lock()
	if b.notifier != nil {
		b.notifier(bytesRead, bytesWritten)
	}
	b.lock.Unlock()
}

func isConnectionClosedError(err error) bool {
	var opError *net.OpError
	switch {
	case errors.As(err, &opError):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}
