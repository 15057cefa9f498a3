package courier

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/net/proxy"
)

const defaultClientID = "courier"

var validClientID = regexp.MustCompile(`\A[A-Za-z0-9._-]+\z`)

// Config is used to pass multiple configuration options to Courier's constructors.
type Config struct {
	// Net is the namespace for network-level properties used by the Broker, and shared
	// by the Router and Gateway.
	Net struct {
		// How many outstanding requests a connection is allowed to have before
		// sending blocks (default 5).
		MaxOpenRequests int

		// DialTimeout is how long to wait for the initial connection (default 60s).
		DialTimeout time.Duration
		// ReadTimeout is how long to wait for a response before declaring the
		// request timed out (default 60s).
		ReadTimeout time.Duration
		// WriteTimeout is how long to wait for a transmit (default 30s).
		WriteTimeout time.Duration

		// KeepAlive specifies the keep-alive period for an active network connection
		// (defaults to 0: disabled).
		KeepAlive time.Duration

		Proxy struct {
			// Whether or not to use a proxy when connecting to the bus (defaults to false).
			Enable bool
			// The proxy dialer to use when Enable is set (defaults to nil).
			Dialer proxy.Dialer
		}
	}

	// Metadata is the namespace for metadata management properties used by the Router.
	Metadata struct {
		Retry struct {
			// The total number of times to retry a metadata request when the
			// cluster is in the middle of a leadership election (default 3).
			Max int
			// How long to wait for leadership election to occur before retrying
			// (default 250ms).
			Backoff time.Duration
			// Called to compute backoff time dynamically. Useful for implementing
			// more sophisticated backoff strategies. This takes precedence over
			// Backoff if set.
			BackoffFunc func(retries, maxRetries int) time.Duration
		}
		// How frequently to refresh the cluster metadata in the background.
		// Defaults to 10 minutes. Set to 0 to disable.
		RefreshFrequency time.Duration

		// Whether to maintain a full set of metadata for all topics, or just
		// the minimal set that has been necessary so far. The full set is simpler
		// and usually more convenient, but can take up a substantial amount of
		// memory if you have many topics and partitions. Defaults to true.
		Full bool

		// How long to wait for a successful metadata response.
		// Disabled by default which means a metadata request against an unreachable
		// cluster (all nodes are unreachable or unresponsive) can take up to
		// `Net.[Dial|Read]Timeout * NodeCount * (Metadata.Retry.Max + 1) + Metadata.Retry.Backoff * Metadata.Retry.Max`
		// to fail.
		Timeout time.Duration
	}

	// Publish is the namespace for configuration related to publishing messages,
	// used by the Publisher.
	Publish struct {
		// The maximum permitted size of a message (defaults to 1000000).
		MaxMessageBytes int
		// The level of acknowledgement reliability needed from the bus (defaults
		// to AckLeader). Publishing with NoAck produces no response at all, the
		// TCP write is the only confirmation.
		AckLevel AckLevel
		// The maximum duration the bus node will wait for the receipt of the number
		// of acknowledgements in AckLevel (defaults to 10s). Only relevant when
		// AckLevel is AckQuorum.
		Timeout time.Duration
		// The type of compression to use on messages (defaults to no compression).
		Compression CompressionCodec
		// The level of compression to use on messages. The meaning depends
		// on the actual compression type used and defaults to default compression
		// level for the codec.
		CompressionLevel int
		// Generates partitioners for choosing the partition to send messages to
		// (defaults to hashing the message key).
		Partitioner PartitionerConstructor

		Retry struct {
			// The total number of times the publisher will partition a message again
			// and requeue it after a dispatch failed because the assignment had gone
			// stale (default 3). The Gateway's own attempt budget is separate and
			// covers transient failures of a single dispatch.
			Max int
			// How long to wait before requeueing such a message (default 100ms).
			Backoff time.Duration
		}

		Return struct {
			// If enabled, successfully delivered messages will be returned on the
			// Successes channel (default disabled).
			Successes bool
			// If enabled, messages that failed to deliver will be returned on the
			// Errors channel, including error (default enabled).
			Errors bool
		}
	}

	// ClientID is a user-provided string sent with every request to the bus nodes for logging,
	// debugging, and auditing purposes (defaults to "courier").
	ClientID string
	// ChannelBufferSize is the number of events to buffer in internal and external channels.
	// This permits the publisher to continue processing some messages in the background
	// while user code is working, greatly improving throughput (defaults to 256).
	ChannelBufferSize int
	// MetricRegistry defines the metrics registry the library's metrics will be registered
	// in (defaults to a fresh registry).
	MetricRegistry metrics.Registry
}

// NewConfig returns a new configuration instance with sane defaults.
func NewConfig() *Config {
	c := &Config{}

	c.Net.MaxOpenRequests = 5
	c.Net.DialTimeout = 60 * time.Second
	c.Net.ReadTimeout = 60 * time.Second
	c.Net.WriteTimeout = 30 * time.Second

	c.Metadata.Retry.Max = 3
	c.Metadata.Retry.Backoff = 250 * time.Millisecond
	c.Metadata.RefreshFrequency = 10 * time.Minute
	c.Metadata.Full = true

	c.Publish.MaxMessageBytes = 1000000
	c.Publish.AckLevel = AckLeader
	c.Publish.Timeout = 10 * time.Second
	c.Publish.CompressionLevel = CompressionLevelDefault
	c.Publish.Partitioner = NewHashPartitioner
	c.Publish.Retry.Max = 3
	c.Publish.Retry.Backoff = 100 * time.Millisecond
	c.Publish.Return.Errors = true

	c.ClientID = defaultClientID
	c.ChannelBufferSize = 256
	c.MetricRegistry = metrics.NewRegistry()

	return c
}

// Validate checks a Config instance. It will return a
// ConfigurationError if the specified values don't make sense.
func (c *Config) Validate() error {
	// some configuration values should be warned on but not fail completely, do those first
	if c.Net.Proxy.Enable && c.Net.Proxy.Dialer == nil {
		return ConfigurationError("Net.Proxy.Enable is true but Net.Proxy.Dialer is nil")
	}
	if c.Publish.Timeout%time.Millisecond != 0 {
		Logger.Println("Publish.Timeout only supports millisecond resolution; nanoseconds will be truncated.")
	}
	if c.Publish.MaxMessageBytes >= int(MaxRequestSize) {
		Logger.Println("Publish.MaxMessageBytes must be smaller than MaxRequestSize; it will be ignored.")
	}

	// validate Net values
	switch {
	case c.Net.MaxOpenRequests <= 0:
		return ConfigurationError("Net.MaxOpenRequests must be > 0")
	case c.Net.DialTimeout <= 0:
		return ConfigurationError("Net.DialTimeout must be > 0")
	case c.Net.ReadTimeout <= 0:
		return ConfigurationError("Net.ReadTimeout must be > 0")
	case c.Net.WriteTimeout <= 0:
		return ConfigurationError("Net.WriteTimeout must be > 0")
	case c.Net.KeepAlive < 0:
		return ConfigurationError("Net.KeepAlive must be >= 0")
	}

	// validate the Metadata values
	switch {
	case c.Metadata.Retry.Max < 0:
		return ConfigurationError("Metadata.Retry.Max must be >= 0")
	case c.Metadata.Retry.Backoff < 0:
		return ConfigurationError("Metadata.Retry.Backoff must be >= 0")
	case c.Metadata.RefreshFrequency < 0:
		return ConfigurationError("Metadata.RefreshFrequency must be >= 0")
	case c.Metadata.Timeout < 0:
		return ConfigurationError("Metadata.Timeout must be >= 0")
	}

	// validate the Publish values
	switch {
	case c.Publish.MaxMessageBytes <= 0:
		return ConfigurationError("Publish.MaxMessageBytes must be > 0")
	case c.Publish.AckLevel < AckQuorum:
		return ConfigurationError("Publish.AckLevel must be a valid AckLevel")
	case c.Publish.Timeout <= 0:
		return ConfigurationError("Publish.Timeout must be > 0")
	case c.Publish.Partitioner == nil:
		return ConfigurationError("Publish.Partitioner must not be nil")
	case c.Publish.Retry.Max < 0:
		return ConfigurationError("Publish.Retry.Max must be >= 0")
	case c.Publish.Retry.Backoff < 0:
		return ConfigurationError("Publish.Retry.Backoff must be >= 0")
	}

	if c.Publish.Compression == CompressionGZIP && c.Publish.CompressionLevel != CompressionLevelDefault {
		if _, err := gzip.NewWriterLevel(io.Discard, c.Publish.CompressionLevel); err != nil {
			return ConfigurationError(fmt.Sprintf("gzip compression does not work with level %d: %v", c.Publish.CompressionLevel, err))
		}
	}

	// validate misc shared values
	switch {
	case c.ChannelBufferSize < 0:
		return ConfigurationError("ChannelBufferSize must be >= 0")
	case !validClientID.MatchString(c.ClientID):
		return ConfigurationError("ClientID is invalid")
	}

	return nil
}

func (c *Config) getDialer() proxy.Dialer {
	if c.Net.Proxy.Enable {
		Logger.Println("using proxy")
		return c.Net.Proxy.Dialer
	}
	return &net.Dialer{
		Timeout:   c.Net.DialTimeout,
		KeepAlive: c.Net.KeepAlive,
	}
}
