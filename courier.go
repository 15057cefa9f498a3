/*
Package courier is a pure Go client library for the Courier message bus. It
offers a low-level dispatch API for routing individual requests to the bus
node that currently leads a topic partition, and a high-level Publisher built
on top of it for asynchronous pipelined message delivery.

The Gateway is the heart of the library. Given a request and a target topic
partition it resolves the partition's leader through a metadata Router, sends
the request over the leader's Connection, and absorbs the transient failures
a partitioned bus exhibits while leadership moves around, refreshing metadata
and retrying within a fixed attempt budget. Use NewGateway for a
self-contained instance, or NewGatewayFromRouter to share a single Router's
metadata cache and node connections between several components.

To publish messages, use either the Publisher for asynchronous delivery or
the SyncPublisher when each call must block until the bus has acknowledged
the message. Reads are issued directly through the Gateway with FetchRequest
and OffsetsRequest.

The Router, Broker, and the request/response types give full control over
the wire when the high-level APIs are insufficient.
*/
package courier

import (
	"io"
	"log"
)

var (
	// Logger is the instance of a StdLogger interface that Courier writes connection
	// management events to. By default it is set to discard all log messages via io.Discard,
	// but you can set it to redirect wherever you want.
	Logger StdLogger = log.New(io.Discard, "[Courier] ", log.LstdFlags)

	// PanicHandler is called for recovering from panics spawned internally to the library (and thus
	// not recoverable by the caller's goroutine). Defaults to nil, which means panics are not recovered.
	PanicHandler func(interface{})

	// MaxRequestSize is the maximum size (in bytes) of any request that Courier will attempt to send. Trying
	// to send a request larger than this will result in a PacketEncodingError. The default of 100 MiB is aligned
	// with the largest request a bus node will attempt to process.
	MaxRequestSize int32 = 100 * 1024 * 1024

	// MaxResponseSize is the maximum size (in bytes) of any response that Courier will attempt to parse. If
	// a bus node returns a response message larger than this value, Courier will return a PacketDecodingError to
	// protect the client from running out of memory. Please note that bus nodes do not have any natural limit on
	// the size of responses they send, in particular they can send arbitrarily large fetch responses.
	MaxResponseSize int32 = 100 * 1024 * 1024
)

// StdLogger is used to log error messages.
type StdLogger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

type debugLogger struct{}

func (d *debugLogger) Print(v ...interface{}) {
	Logger.Print(v...)
}

func (d *debugLogger) Printf(format string, v ...interface{}) {
	Logger.Printf(format, v...)
}

func (d *debugLogger) Println(v ...interface{}) {
	Logger.Println(v...)
}

// DebugLogger is the instance of a StdLogger that Courier writes more verbose
// debug information to. By default it is set to redirect all debug to the
// default Logger above, but you can set it to something else if you want
// debug to have its own log destination.
var DebugLogger StdLogger = &debugLogger{}
