package courier

import (
	"errors"
	"strings"

	"github.com/rcrowley/go-metrics"
)

// maxDispatchAttempts bounds how many times a single SendRequest call puts a
// request on the wire before giving up.
const maxDispatchAttempts = 3

// dispatchOutcome is what one attempt of the dispatch loop concluded. Keeping
// it a three-way enum rather than nested conditionals makes the loop's
// asymmetry explicit: only recoverable failures spend the attempt budget.
type dispatchOutcome int8

const (
	// dispatchSucceeded ends the loop with a response (possibly nil).
	dispatchSucceeded dispatchOutcome = iota
	// dispatchRecoverable means refreshed metadata may fix the failure, so
	// the attempt counts against the budget and the loop may go around.
	dispatchRecoverable
	// dispatchFatal means no amount of refreshing can help. The call fails
	// now, attempts left or not.
	dispatchFatal
)

// Gateway is the resilient front door of the bus client: give it a typed
// request, a topic, and a partition number and it delivers the request to the
// broker currently leading that partition, working around stale routing
// metadata, transient broker unavailability, and network timeouts so callers
// do not have to carry retry logic themselves.
type Gateway interface {
	// SendRequest delivers the request to the leader of the given partition
	// and returns the first response the broker answered with. Both return
	// values are nil when the broker legitimately answers nothing, which is
	// the contract of a NoAck publish.
	SendRequest(req Request, topic string, partition int32) (Response, error)

	// Router exposes the topology layer this gateway dispatches through.
	Router() Router

	// Close releases the router if the gateway owns it. A gateway built on a
	// caller-supplied router leaves closing that router to the caller.
	Close() error
}

type gateway struct {
	router    Router
	ownRouter bool

	registry metrics.Registry
	retries  metrics.Meter
	failures metrics.Meter
}

// NewGateway creates a Gateway with its own Router connected to the given
// broker addresses. Closing the gateway closes that router too.
func NewGateway(addrs []string, conf *Config) (Gateway, error) {
	router, err := NewRouter(addrs, conf)
	if err != nil {
		return nil, err
	}

	g, err := NewGatewayFromRouter(router)
	if err != nil {
		return nil, err
	}
	g.(*gateway).ownRouter = true
	return g, nil
}

// NewGatewayFromRouter creates a Gateway that dispatches through the given
// Router. The router stays under the caller's control: closing the gateway
// does not close it.
func NewGatewayFromRouter(router Router) (Gateway, error) {
	if router.Closed() {
		return nil, ErrClosedRouter
	}

	registry := router.Config().MetricRegistry
	return &gateway{
		router:   router,
		registry: registry,
		retries:  metrics.GetOrRegisterMeter("dispatch-retries", registry),
		failures: metrics.GetOrRegisterMeter("dispatch-failures", registry),
	}, nil
}

// validateTopic rejects names the bus will never accept before anything goes
// on the wire. Names that only the broker can judge come back asynchronously
// as ErrInvalidTopic instead.
func validateTopic(topic string) error {
	if strings.Contains(topic, " ") {
		return FormatError(topic)
	}
	return nil
}

// SendRequest runs the dispatch loop: resolve the partition leader from
// cached metadata, send, classify the outcome, and either return, force a
// metadata refresh and retry, or fail.
//
// Each attempt can end three ways. A transport failure of a kind worth
// retrying (response timeout, broker connection failure) is captured and
// retained so that, if the budget runs out, the caller sees that original
// error unwrapped rather than a synthetic one. A broker error code is
// retried only when refreshed metadata could actually fix it; any other
// non-zero code fails the call on the spot even with attempts left to spend,
// because retrying it would just replay the same failure. Everything else
// (metadata resolution failures, decode errors, unrecognized transport kinds)
// is not this layer's to handle and propagates immediately untouched.
func (g *gateway) SendRequest(req Request, topic string, partition int32) (Response, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	var (
		attempts      int
		lastTransport error
		lastCode      ErrorCode
		lastDetail    string
	)

	for {
		if err := g.router.EnsureMetadata(topic); err != nil {
			return nil, err
		}

		route, err := g.router.Route(topic, partition)
		if err != nil {
			return nil, err
		}

		var (
			outcome dispatchOutcome
			result  Response
		)
		responses, err := route.Leader.Send(req)
		switch {
		case err == nil && len(responses) == 0:
			// fire-and-forget acknowledgment level, the broker stays silent
			outcome = dispatchSucceeded
		case err == nil:
			first := responses[0]
			code := first.ErrorCode()
			if code == ErrNoError {
				outcome, result = dispatchSucceeded, first
				break
			}
			lastCode = code
			lastDetail = code.Error()
			outcome = dispatchFatal
			if code.metadataRecoverable() {
				outcome = dispatchRecoverable
			}
		default:
			var transport *TransportError
			if errors.As(err, &transport) &&
				(transport.Kind == TransportResponseTimeout || transport.Kind == TransportBrokerConnectionFailure) {
				lastTransport = err
				lastDetail = transport.Kind.String()
				outcome = dispatchRecoverable
			} else {
				return nil, err
			}
		}

		if outcome == dispatchSucceeded {
			return result, nil
		}

		attempts++
		if outcome == dispatchRecoverable && attempts < maxDispatchAttempts {
			g.markRetry(topic)
			Logger.Printf("gateway/dispatch %s/%d attempt %d failed (%s), refreshing metadata and retrying\n",
				topic, partition, attempts, lastDetail)
			if err := g.router.RefreshMetadata(topic); err != nil {
				return nil, err
			}
			continue
		}

		g.markFailure(topic)
		Logger.Printf("gateway/dispatch %s/%d giving up after %d attempt(s): %s\n",
			topic, partition, attempts, lastDetail)
		if lastTransport != nil {
			return nil, lastTransport
		}
		return nil, &ApplicationError{Code: lastCode, Detail: lastDetail}
	}
}

func (g *gateway) Router() Router {
	return g.router
}

func (g *gateway) Close() error {
	if g.ownRouter {
		return g.router.Close()
	}
	return nil
}

func (g *gateway) markRetry(topic string) {
	g.retries.Mark(1)
	getOrRegisterTopicMeter("dispatch-retries", topic, g.registry).Mark(1)
}

func (g *gateway) markFailure(topic string) {
	g.failures.Mark(1)
	getOrRegisterTopicMeter("dispatch-failures", topic, g.registry).Mark(1)
}
