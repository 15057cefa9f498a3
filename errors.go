package courier

import (
	"errors"
	"fmt"
)

// ErrOutOfBrokers is the error returned when the router has run out of bus nodes to talk to
// because all of them errored or otherwise failed to respond.
var ErrOutOfBrokers = errors.New("courier: router has run out of available bus nodes to talk to")

// ErrClosedRouter is the error returned when a method is called on a router that has been closed.
var ErrClosedRouter = errors.New("courier: router has already been closed")

// ErrInvalidTopicMetadata is the error returned by route resolution when the metadata cache
// holds nothing usable for the topic: the topic is unknown, or the requested partition
// currently has no reachable leader. It is never produced by the network layer.
var ErrInvalidTopicMetadata = errors.New("courier: no usable metadata is cached for this topic")

// ErrInvalidPartition is the error returned by route resolution when the partition id is not
// part of the topic's cached partition set.
var ErrInvalidPartition = errors.New("courier: partition id is unknown for this topic")

// ErrAlreadyConnected is the error returned when calling Open() on a Broker that is already connected or connecting.
var ErrAlreadyConnected = errors.New("courier: broker connection already initiated")

// ErrNotConnected is the error returned when trying to send or call Close() on a Broker that is not connected.
var ErrNotConnected = errors.New("courier: broker not connected")

// ErrInsufficientData is returned when decoding and the packet is truncated. This can be expected
// when requesting messages, since as an optimization the bus node is allowed to return a partial message at the end
// of the message set.
var ErrInsufficientData = errors.New("courier: insufficient data to decode packet, more bytes expected")

// ErrShuttingDown is returned when a message is received by a publisher in the process of shutting down.
var ErrShuttingDown = errors.New("courier: message received by publisher in process of shutting down")

// ErrMessageSizeTooLarge is returned when a message is rejected locally because it exceeds
// Publish.MaxMessageBytes. It never reaches the wire.
var ErrMessageSizeTooLarge = errors.New("courier: message is larger than Publish.MaxMessageBytes")

// ErrIncompleteResponse is the error returned when the bus node answers a request with fewer
// response frames than the request calls for.
var ErrIncompleteResponse = errors.New("courier: response did not contain all the expected frames")

// PacketEncodingError is returned from a failure while encoding a Courier packet. This can happen, for example,
// if you try to encode a string over 2^15 characters in length, since the wire format has a maximum of that size.
type PacketEncodingError struct {
	Info string
}

func (err PacketEncodingError) Error() string {
	return fmt.Sprintf("courier: error encoding packet: %s", err.Info)
}

// PacketDecodingError is returned when there was an error (other than truncated data) decoding the bus node's
// response. This can be a bad CRC or length field, or any other invalid value.
type PacketDecodingError struct {
	Info string
}

func (err PacketDecodingError) Error() string {
	return fmt.Sprintf("courier: error decoding packet: %s", err.Info)
}

// ConfigurationError is the type of error returned from a constructor (e.g. NewRouter, or NewGateway)
// when the specified configuration is invalid.
type ConfigurationError string

func (err ConfigurationError) Error() string {
	return "courier: invalid configuration (" + string(err) + ")"
}

// FormatError is the type of error returned when a request names a topic that violates the
// bus's naming rules. It is detected locally before any network traffic happens, and a
// dispatch that fails this way is never retried.
type FormatError string

func (err FormatError) Error() string {
	return fmt.Sprintf("courier: topic name %q is not legal on the bus", string(err))
}

// TransportKind classifies how a connection failed while a request was in flight.
type TransportKind int

const (
	// TransportOther covers connection failures with no more specific classification.
	// The Gateway does not treat these as recoverable.
	TransportOther TransportKind = iota
	// TransportResponseTimeout indicates the node accepted the request but no response
	// arrived within Config.Net.ReadTimeout.
	TransportResponseTimeout
	// TransportBrokerConnectionFailure indicates the connection to the node was refused,
	// reset, or closed while the request was in flight.
	TransportBrokerConnectionFailure
)

// String returns the kind's name as it appears in log lines and error details.
func (k TransportKind) String() string {
	switch k {
	case TransportResponseTimeout:
		return "ResponseTimeout"
	case TransportBrokerConnectionFailure:
		return "BrokerConnectionFailure"
	}
	return "Other"
}

// TransportError is the error returned by a Connection when a request could not be delivered
// or answered. The Kind decides whether the Gateway treats the failure as recoverable through
// a metadata refresh; the underlying error is preserved untouched so callers that receive it
// see the root cause rather than a summary of it.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("courier: transport failure (%s): %v", err.Kind, err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// Timeout reports whether the failure was a response timeout, mirroring net.Error.
func (err *TransportError) Timeout() bool {
	return err.Kind == TransportResponseTimeout
}

// ApplicationError is the error returned by Gateway.SendRequest when the bus node answered
// with a non-zero error code and no further dispatch attempt can change that, either because
// the code is final or because the attempt budget ran out. It unwraps to the ErrorCode so
// errors.Is(err, ErrLeaderNotAvailable) and friends work as expected.
type ApplicationError struct {
	Code   ErrorCode
	Detail string
}

func (err *ApplicationError) Error() string {
	return fmt.Sprintf("courier: request failed with code %d (%s)", int16(err.Code), err.Detail)
}

func (err *ApplicationError) Unwrap() error {
	return err.Code
}

// PublishError is the type of error generated when the publisher fails to deliver a message.
// It contains the original PublishMessage as well as the actual error value.
type PublishError struct {
	Msg *PublishMessage
	Err error
}

func (pe PublishError) Error() string {
	return fmt.Sprintf("courier: Failed to publish message to topic %s: %s", pe.Msg.Topic, pe.Err)
}

func (pe PublishError) Unwrap() error {
	return pe.Err
}

// PublishErrors is a type that wraps a batch of "PublishError"s and implements the Error interface.
// It can be returned from the Publisher's Close method to avoid the need to manually drain the
// Errors channel when closing a publisher.
type PublishErrors []*PublishError

func (pe PublishErrors) Error() string {
	return fmt.Sprintf("courier: Failed to deliver %d messages.", len(pe))
}

// ErrorCode is the type of error code that can be returned directly by a bus node in
// the fixed leading field of a response.
type ErrorCode int16

// Numeric error codes returned by the bus.
const (
	ErrUnknown                      ErrorCode = -1
	ErrNoError                      ErrorCode = 0
	ErrOffsetOutOfRange             ErrorCode = 1
	ErrCorruptMessage               ErrorCode = 2
	ErrUnknownTopicOrPartition      ErrorCode = 3
	ErrInvalidMessageSize           ErrorCode = 4
	ErrLeaderNotAvailable           ErrorCode = 5
	ErrNotLeaderForPartition        ErrorCode = 6
	ErrRequestTimedOut              ErrorCode = 7
	ErrBrokerNotAvailable           ErrorCode = 8
	ErrReplicaNotAvailable          ErrorCode = 9
	ErrMessageTooLarge              ErrorCode = 10
	ErrStaleControllerEpoch         ErrorCode = 11
	ErrOffsetMetadataTooLarge       ErrorCode = 12
	ErrNetworkException             ErrorCode = 13
	ErrCoordinatorLoadInProgress    ErrorCode = 14
	ErrCoordinatorNotAvailable      ErrorCode = 15
	ErrNotCoordinator               ErrorCode = 16
	ErrInvalidTopic                 ErrorCode = 17
	ErrMessageSetTooLarge           ErrorCode = 18
	ErrNotEnoughReplicas            ErrorCode = 19
	ErrNotEnoughReplicasAfterAppend ErrorCode = 20
)

func (err ErrorCode) Error() string {
	// Error messages mirror the descriptions the bus prints in its own logs.
	switch err {
	case ErrNoError:
		return "courier server: Not an error, why are you printing me?"
	case ErrUnknown:
		return "courier server: Unexpected (unknown?) server error"
	case ErrOffsetOutOfRange:
		return "courier server: The requested offset is outside the range of offsets maintained by the node for the given topic/partition"
	case ErrCorruptMessage:
		return "courier server: The message contents does not match its CRC"
	case ErrUnknownTopicOrPartition:
		return "courier server: Request was for a topic or partition that does not exist on this node"
	case ErrInvalidMessageSize:
		return "courier server: The message has a negative size"
	case ErrLeaderNotAvailable:
		return "courier server: In the middle of a leadership election, there is currently no leader for this partition and hence it is unavailable for writes"
	case ErrNotLeaderForPartition:
		return "courier server: This node is not the leader for that topic/partition"
	case ErrRequestTimedOut:
		return "courier server: Request exceeded the user-specified time limit in the request"
	case ErrBrokerNotAvailable:
		return "courier server: The addressed node is not available"
	case ErrReplicaNotAvailable:
		return "courier server: The replica is not available for the requested topic/partition"
	case ErrMessageTooLarge:
		return "courier server: The request included a message larger than the max message size the node will accept"
	case ErrStaleControllerEpoch:
		return "courier server: The controller moved to another node"
	case ErrOffsetMetadataTooLarge:
		return "courier server: Specified a string larger than the configured maximum for offset metadata"
	case ErrNetworkException:
		return "courier server: The node disconnected before a response was received"
	case ErrCoordinatorLoadInProgress:
		return "courier server: The coordinator is still loading offsets and cannot currently process requests"
	case ErrCoordinatorNotAvailable:
		return "courier server: The coordinator is not available or the group is rebalancing"
	case ErrNotCoordinator:
		return "courier server: This is not the correct coordinator for this group or partition"
	case ErrInvalidTopic:
		return "courier server: The request attempted to perform an operation on an invalid topic"
	case ErrMessageSetTooLarge:
		return "courier server: The request included message set larger than the configured segment size on the node"
	case ErrNotEnoughReplicas:
		return "courier server: Messages are rejected since there are fewer in-sync replicas than required"
	case ErrNotEnoughReplicasAfterAppend:
		return "courier server: Messages are written to the log, but to fewer in-sync replicas than required"
	}

	return fmt.Sprintf("Unknown error, how did this happen? Error code = %d", int16(err))
}

// metadataRecoverable reports whether the code signals stale routing metadata, in which case
// refreshing the topic and dispatching again may succeed. Every other non-zero code is final
// for the request that provoked it, retrying could only return the same answer.
func (err ErrorCode) metadataRecoverable() bool {
	switch err {
	case ErrBrokerNotAvailable, ErrCoordinatorNotAvailable, ErrLeaderNotAvailable, ErrNotLeaderForPartition:
		return true
	}
	return false
}
