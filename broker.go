package courier

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Connection is the capability the dispatch layer needs from a broker link:
// hand a request to the wire and collect every response frame the broker
// answers with. *Broker is the production implementation.
type Connection interface {
	Send(req Request) ([]Response, error)
}

// Broker represents a single broker connection. All operations on this object are entirely concurrency-safe.
type Broker struct {
	conf *Config

	id   int32
	addr string

	conn          net.Conn
	connErr       error
	lock          sync.Mutex
	opened        int32
	responses     chan *responsePromise
	done          chan bool
	correlationID int32

	registeredMetrics []string

	incomingByteRate       metrics.Meter
	requestRate            metrics.Meter
	requestSize            metrics.Histogram
	requestLatency         metrics.Histogram
	outgoingByteRate       metrics.Meter
	responseRate           metrics.Meter
	responseSize           metrics.Histogram
	requestsInFlight       metrics.Counter
	brokerIncomingByteRate metrics.Meter
	brokerRequestRate      metrics.Meter
	brokerRequestSize      metrics.Histogram
	brokerRequestLatency   metrics.Histogram
	brokerOutgoingByteRate metrics.Meter
	brokerResponseRate     metrics.Meter
	brokerResponseSize     metrics.Histogram
	brokerRequestsInFlight metrics.Counter
}

type responsePromise struct {
	requestTime   time.Time
	correlationID int32
	packets       chan []byte
	errors        chan error
}

// drain consumes whatever is left of the promise so the receiver goroutine
// never wedges on an abandoned response.
func (p *responsePromise) drain() {
	for {
		select {
		case _, ok := <-p.packets:
			if !ok {
				return
			}
		case <-p.errors:
			return
		}
	}
}

// NewBroker creates and returns a Broker targeting the given host:port address.
// This does not attempt to actually connect, you have to call Open() for that.
func NewBroker(addr string) *Broker {
	return &Broker{id: -1, addr: addr}
}

// Open tries to connect to the Broker if it is not already connected or connecting, but does not block
// waiting for the connection to complete. This means that any subsequent operations on the broker will
// block waiting for the connection to succeed or fail. To get the effect of a fully synchronous Open call,
// follow it by a call to Connected(). The only errors Open will return directly are ConfigurationErrors or
// ErrAlreadyConnected. If conf is nil, the result of NewConfig() is used.
func (b *Broker) Open(conf *Config) error {
	if !atomic.CompareAndSwapInt32(&b.opened, 0, 1) {
		return ErrAlreadyConnected
	}

	if conf == nil {
		conf = NewConfig()
	}

	err := conf.Validate()
	if err != nil {
		atomic.StoreInt32(&b.opened, 0)
		return err
	}

	b.lock.Lock()

	go withRecover(func() {
		defer b.lock.Unlock()

		dialer := conf.getDialer()
		b.conn, b.connErr = dialer.Dial("tcp", b.addr)
		if b.connErr != nil {
			Logger.Printf("Failed to connect to broker %s: %s\n", b.addr, b.connErr)
			b.conn = nil
			atomic.StoreInt32(&b.opened, 0)
			return
		}

		b.conf = conf

		// Create or reuse the global metrics shared between brokers
		b.incomingByteRate = metrics.GetOrRegisterMeter("incoming-byte-rate", conf.MetricRegistry)
		b.requestRate = metrics.GetOrRegisterMeter("request-rate", conf.MetricRegistry)
		b.requestSize = getOrRegisterHistogram("request-size", conf.MetricRegistry)
		b.requestLatency = getOrRegisterHistogram("request-latency-in-ms", conf.MetricRegistry)
		b.outgoingByteRate = metrics.GetOrRegisterMeter("outgoing-byte-rate", conf.MetricRegistry)
		b.responseRate = metrics.GetOrRegisterMeter("response-rate", conf.MetricRegistry)
		b.responseSize = getOrRegisterHistogram("response-size", conf.MetricRegistry)
		b.requestsInFlight = metrics.GetOrRegisterCounter("requests-in-flight", conf.MetricRegistry)
		// Do not gather metrics for seed brokers (only used during bootstrap) because they share
		// the same id (-1) and are already exposed through the global metrics above
		if b.id >= 0 {
			b.registerMetrics()
		}

		b.done = make(chan bool)
		b.responses = make(chan *responsePromise, b.conf.Net.MaxOpenRequests-1)

		Logger.Printf("Connected to broker at %s (registered as #%d)\n", b.addr, b.id)
		go withRecover(b.responseReceiver)
	})

	return nil
}

// Connected returns true if the broker is connected and false otherwise. If the broker is not
// connected but it had tried to connect, the error from that connection attempt is also returned.
func (b *Broker) Connected() (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.conn != nil, b.connErr
}

// Close shuts down the broker connection, failing any in-flight requests.
func (b *Broker) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.conn == nil {
		return ErrNotConnected
	}

	close(b.responses)
	<-b.done

	err := b.conn.Close()

	b.conn = nil
	b.connErr = nil
	b.done = nil
	b.responses = nil

	b.unregisterMetrics()

	if err == nil {
		DebugLogger.Printf("Closed connection to broker %s\n", b.addr)
	} else {
		Logger.Printf("Error while closing connection to broker %s: %s\n", b.addr, err)
	}

	atomic.StoreInt32(&b.opened, 0)

	return err
}

// ID returns the broker ID retrieved from the bus metadata, or -1 if the
// broker has not appeared in any metadata yet.
func (b *Broker) ID() int32 {
	return b.id
}

// Addr returns the broker address as either retrieved from the bus metadata or passed to NewBroker.
func (b *Broker) Addr() string {
	return b.addr
}

// Send hands a request to the broker and collects every frame of its response,
// each decoded into the request's response type, in the order the broker wrote
// them. Requests the broker never answers (fire-and-forget publishes) return
// (nil, nil) once they are on the wire. Network failures come back as
// *TransportError, decode failures as PacketDecodingError.
func (b *Broker) Send(req Request) ([]Response, error) {
	promise, err := b.send(req)
	if err != nil {
		return nil, err
	}

	if promise == nil {
		return nil, nil
	}

	var responses []Response
	for {
		select {
		case buf, ok := <-promise.packets:
			if !ok {
				return responses, nil
			}
			body := req.responseBody()
			if err := decode(buf, body); err != nil {
				go promise.drain()
				return nil, err
			}
			responses = append(responses, body)
		case err := <-promise.errors:
			return nil, err
		}
	}
}

// FetchMetadata asks the broker for its view of the bus topology.
func (b *Broker) FetchMetadata(request *MetadataRequest) (*MetadataResponse, error) {
	responses, err := b.Send(request)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, ErrIncompleteResponse
	}
	return responses[0].(*MetadataResponse), nil
}

// Publish appends the request's messages to a partition log. With NoAck both
// return values are nil once the request is written out.
func (b *Broker) Publish(request *PublishRequest) (*PublishResponse, error) {
	responses, err := b.Send(request)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, nil
	}
	return responses[0].(*PublishResponse), nil
}

// Fetch reads messages from the broker. A large read arrives split across
// several frames of one response, which are folded back together here in
// arrival order.
func (b *Broker) Fetch(request *FetchRequest) (*FetchResponse, error) {
	responses, err := b.Send(request)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, ErrIncompleteResponse
	}

	res := responses[0].(*FetchResponse)
	for _, raw := range responses[1:] {
		frame := raw.(*FetchResponse)
		res.MsgSet.Messages = append(res.MsgSet.Messages, frame.MsgSet.Messages...)
		res.MsgSet.PartialTrailingMessage = frame.MsgSet.PartialTrailingMessage
		if frame.HighWaterMarkOffset > res.HighWaterMarkOffset {
			res.HighWaterMarkOffset = frame.HighWaterMarkOffset
		}
		if frame.Err != ErrNoError {
			res.Err = frame.Err
		}
	}
	return res, nil
}

// Offsets queries the ends of a partition log around a point in time.
func (b *Broker) Offsets(request *OffsetsRequest) (*OffsetsResponse, error) {
	responses, err := b.Send(request)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, ErrIncompleteResponse
	}
	return responses[0].(*OffsetsResponse), nil
}

func (b *Broker) send(rb Request) (*responsePromise, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.conn == nil {
		if b.connErr != nil {
			return nil, &TransportError{Kind: TransportBrokerConnectionFailure, Err: b.connErr}
		}
		return nil, &TransportError{Kind: TransportBrokerConnectionFailure, Err: ErrNotConnected}
	}

	req := &request{correlationID: b.correlationID, clientID: b.conf.ClientID, body: rb}
	buf, err := encode(req, b.conf.MetricRegistry)
	if err != nil {
		return nil, err
	}

	requestTime := time.Now()
	// Will be decremented in responseReceiver (except for requests that do not receive a response)
	b.addRequestInFlightMetrics(1)
	bytes, err := b.write(buf)
	b.updateOutgoingCommunicationMetrics(bytes)
	if err != nil {
		b.addRequestInFlightMetrics(-1)
		return nil, classifyNetError(err)
	}
	b.correlationID++

	if !rb.expectResponse() {
		// Record request latency without the response
		b.updateRequestLatencyAndInFlightMetrics(time.Since(requestTime))
		return nil, nil
	}

	promise := &responsePromise{
		requestTime:   requestTime,
		correlationID: req.correlationID,
		packets:       make(chan []byte),
		errors:        make(chan error, 1),
	}
	b.responses <- promise

	return promise, nil
}

func (b *Broker) write(buf []byte) (n int, err error) {
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.conf.Net.WriteTimeout)); err != nil {
		return 0, err
	}

	return b.conn.Write(buf)
}

// readResponseFrame reads one framed response off the wire and checks that it
// answers the request we are currently waiting on.
func (b *Broker) readResponseFrame(correlationID int32) (*responseHeader, []byte, error) {
	if err := b.conn.SetReadDeadline(time.Now().Add(b.conf.Net.ReadTimeout)); err != nil {
		return nil, nil, err
	}

	headerBuf := make([]byte, responseHeaderLength)
	if _, err := io.ReadFull(b.conn, headerBuf); err != nil {
		return nil, nil, err
	}

	header := &responseHeader{}
	if err := decode(headerBuf, header); err != nil {
		return nil, nil, err
	}

	if header.correlationID != correlationID {
		// TODO if decoded ID < cur ID, discard until we catch up
		// TODO if decoded ID > cur ID, save it so when cur ID catches up we have a response
		return nil, nil, PacketDecodingError{fmt.Sprintf("correlation ID didn't match, wanted %d, got %d", correlationID, header.correlationID)}
	}

	buf := make([]byte, header.length-5)
	if _, err := io.ReadFull(b.conn, buf); err != nil {
		return nil, nil, err
	}

	return header, buf, nil
}

func (b *Broker) responseReceiver() {
	var dead error

	for response := range b.responses {
		if dead != nil {
			// This was previously incremented in send() and
			// we are not calling updateIncomingCommunicationMetrics()
			b.addRequestInFlightMetrics(-1)
			response.errors <- dead
			continue
		}

		for {
			header, buf, err := b.readResponseFrame(response.correlationID)
			if err != nil {
				var pe PacketDecodingError
				if errors.As(err, &pe) {
					dead = pe
				} else {
					dead = classifyNetError(err)
				}
				b.addRequestInFlightMetrics(-1)
				response.errors <- dead
				break
			}

			b.updateIncomingByteMetrics(len(buf) + responseHeaderLength)

			response.packets <- buf
			if !header.moreFrames() {
				b.updateResponseCompletedMetrics(time.Since(response.requestTime))
				close(response.packets)
				break
			}
		}
	}
	close(b.done)
}

// classifyNetError folds raw socket errors into the transport failure kinds
// the dispatch layer understands. Timeouts and connection-level failures get
// their own kinds, anything unrecognized stays TransportOther.
func classifyNetError(err error) *TransportError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: TransportResponseTimeout, Err: err}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return &TransportError{Kind: TransportBrokerConnectionFailure, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{Kind: TransportBrokerConnectionFailure, Err: err}
	}

	return &TransportError{Kind: TransportOther, Err: err}
}

func (b *Broker) decode(pd packetDecoder) (err error) {
	b.id, err = pd.getInt32()
	if err != nil {
		return err
	}

	host, err := pd.getString()
	if err != nil {
		return err
	}

	port, err := pd.getInt32()
	if err != nil {
		return err
	}

	b.addr = net.JoinHostPort(host, fmt.Sprint(port))
	if _, _, err := net.SplitHostPort(b.addr); err != nil {
		return err
	}

	return nil
}

func (b *Broker) encode(pe packetEncoder) (err error) {
	host, portstr, err := net.SplitHostPort(b.addr)
	if err != nil {
		return err
	}

	port, err := strconv.ParseInt(portstr, 10, 32)
	if err != nil {
		return err
	}

	pe.putInt32(b.id)

	err = pe.putString(host)
	if err != nil {
		return err
	}

	pe.putInt32(int32(port))

	return nil
}

func (b *Broker) updateIncomingByteMetrics(bytes int) {
	responseSize := int64(bytes)
	b.incomingByteRate.Mark(responseSize)
	if b.brokerIncomingByteRate != nil {
		b.brokerIncomingByteRate.Mark(responseSize)
	}
	if b.responseSize != nil {
		b.responseSize.Update(responseSize)
	}
	if b.brokerResponseSize != nil {
		b.brokerResponseSize.Update(responseSize)
	}
}

func (b *Broker) updateResponseCompletedMetrics(requestLatency time.Duration) {
	b.responseRate.Mark(1)
	if b.brokerResponseRate != nil {
		b.brokerResponseRate.Mark(1)
	}
	b.updateRequestLatencyAndInFlightMetrics(requestLatency)
}

func (b *Broker) updateRequestLatencyAndInFlightMetrics(requestLatency time.Duration) {
	requestLatencyInMs := int64(requestLatency / time.Millisecond)
	b.requestLatency.Update(requestLatencyInMs)
	if b.brokerRequestLatency != nil {
		b.brokerRequestLatency.Update(requestLatencyInMs)
	}
	b.addRequestInFlightMetrics(-1)
}

func (b *Broker) addRequestInFlightMetrics(i int64) {
	b.requestsInFlight.Inc(i)
	if b.brokerRequestsInFlight != nil {
		b.brokerRequestsInFlight.Inc(i)
	}
}

func (b *Broker) updateOutgoingCommunicationMetrics(bytes int) {
	b.requestRate.Mark(1)
	if b.brokerRequestRate != nil {
		b.brokerRequestRate.Mark(1)
	}
	requestSize := int64(bytes)
	b.outgoingByteRate.Mark(requestSize)
	if b.brokerOutgoingByteRate != nil {
		b.brokerOutgoingByteRate.Mark(requestSize)
	}
	if b.requestSize != nil {
		b.requestSize.Update(requestSize)
	}
	if b.brokerRequestSize != nil {
		b.brokerRequestSize.Update(requestSize)
	}
}

// b.lock must be held by caller
func (b *Broker) registerMetrics() {
	b.brokerIncomingByteRate = b.registerMeter("incoming-byte-rate")
	b.brokerRequestRate = b.registerMeter("request-rate")
	b.brokerRequestSize = b.registerHistogram("request-size")
	b.brokerRequestLatency = b.registerHistogram("request-latency-in-ms")
	b.brokerOutgoingByteRate = b.registerMeter("outgoing-byte-rate")
	b.brokerResponseRate = b.registerMeter("response-rate")
	b.brokerResponseSize = b.registerHistogram("response-size")
	b.brokerRequestsInFlight = b.registerCounter("requests-in-flight")
}

// b.lock must be held by caller
func (b *Broker) unregisterMetrics() {
	for _, name := range b.registeredMetrics {
		b.conf.MetricRegistry.Unregister(name)
	}
	b.registeredMetrics = nil
}

func (b *Broker) registerMeter(name string) metrics.Meter {
	nameForBroker := getMetricNameForBroker(name, b.id)
	b.registeredMetrics = append(b.registeredMetrics, nameForBroker)
	return metrics.GetOrRegisterMeter(nameForBroker, b.conf.MetricRegistry)
}

func (b *Broker) registerHistogram(name string) metrics.Histogram {
	nameForBroker := getMetricNameForBroker(name, b.id)
	b.registeredMetrics = append(b.registeredMetrics, nameForBroker)
	return getOrRegisterHistogram(nameForBroker, b.conf.MetricRegistry)
}

func (b *Broker) registerCounter(name string) metrics.Counter {
	nameForBroker := getMetricNameForBroker(name, b.id)
	b.registeredMetrics = append(b.registeredMetrics, nameForBroker)
	return metrics.GetOrRegisterCounter(nameForBroker, b.conf.MetricRegistry)
}
