package courier

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Router is the topology side of the dispatch layer: it maintains broker
// connections and the cached mapping from topic/partition to partition leader.
// You MUST call Close() on a router to avoid leaks, it will not be garbage-collected
// automatically when it passes out of scope. A single router can be safely shared
// by multiple concurrent Gateways and Publishers.
type Router interface {
	// Config returns the Config struct of the router. This struct should not
	// be altered after it has been created.
	Config() *Config

	// Brokers returns the current set of active brokers as retrieved from bus metadata.
	Brokers() []*Broker

	// EnsureMetadata makes sure the router holds metadata for the given topic,
	// querying the bus only when the cache has nothing usable.
	EnsureMetadata(topic string) error

	// RefreshMetadata takes a list of topics and queries the bus to refresh the
	// stored topology for those topics, or for every known topic if none are given.
	RefreshMetadata(topics ...string) error

	// Route resolves the broker currently leading the given partition. It
	// works from the cached topology only and never goes to the network.
	Route(topic string, partition int32) (*Route, error)

	// Partitions returns the sorted list of all partition IDs for the given topic.
	Partitions(topic string) ([]int32, error)

	// WritablePartitions returns the sorted list of partition IDs for the given
	// topic where the leader is currently known and reachable, so that unkeyed
	// traffic can steer around partitions stuck in a leadership election.
	WritablePartitions(topic string) ([]int32, error)

	// MetadataTopics returns the set of topics the router has metadata for.
	MetadataTopics() ([]string, error)

	// Close shuts down all broker connections managed by this router. It is
	// required to call this function before a router object passes out of
	// scope, as it will otherwise leak memory. You must close any Gateways or
	// Publishers using a router before you close the router.
	Close() error

	// Closed returns true if the router has already had Close called on it.
	Closed() bool
}

// Route is a resolved dispatch target: the broker connection currently leading
// one partition of one topic.
type Route struct {
	Topic     string
	Partition int32
	LeaderID  int32
	Leader    Connection
}

type router struct {
	conf           *Config
	closer, closed chan none // for shutting down background metadata updater

	// the broker addresses given to us through the constructor are not guaranteed to be returned in
	// the metadata response... so we store them separately
	seedBrokers []*Broker
	deadSeeds   []*Broker

	brokers        map[int32]*Broker                       // maps broker ids to brokers
	metadata       map[string]map[int32]*PartitionMetadata // maps topics to partition ids to metadata
	metadataTopics map[string]none                         // topics that need to be refreshed by the background updater

	// If the number of partitions is large, we can get some churn calling cachedPartitions,
	// so the result is cached. It is important to update this value whenever metadata is changed
	cachedPartitionsResults map[string][]int32

	lock sync.RWMutex // protects access to the maps that hold cluster state.

	refreshMetadataFn metadataRefresh
}

// NewRouter creates a new Router connected to the given broker addresses. It
// bootstraps by fetching the bus topology from the first seed that answers;
// if no seed can be reached the constructor fails.
func NewRouter(addrs []string, conf *Config) (Router, error) {
	DebugLogger.Println("Initializing new router")

	if conf == nil {
		conf = NewConfig()
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if len(addrs) < 1 {
		return nil, ConfigurationError("You must provide at least one broker address")
	}

	r := &router{
		conf:                    conf,
		closer:                  make(chan none),
		closed:                  make(chan none),
		brokers:                 make(map[int32]*Broker),
		metadata:                make(map[string]map[int32]*PartitionMetadata),
		metadataTopics:          make(map[string]none),
		cachedPartitionsResults: make(map[string][]int32),
	}
	r.refreshMetadataFn = newSingleFlightRefresher(r.refreshMetadata)

	r.randomizeSeedBrokers(addrs)

	// do an initial fetch of all cluster metadata by specifying an empty list of topics
	err := r.RefreshMetadata()
	switch err {
	case nil:
		break
	case ErrLeaderNotAvailable, ErrBrokerNotAvailable, ErrCoordinatorNotAvailable:
		// indicates that maybe part of the cluster is down, but is not fatal to creating the router
		Logger.Println(err)
	default:
		close(r.closed) // we haven't started the background updater yet, so we have to do this ourselves
		_ = r.Close()
		return nil, err
	}
	go withRecover(r.backgroundMetadataUpdater)

	DebugLogger.Println("Successfully initialized new router")

	return r, nil
}

func (r *router) Config() *Config {
	return r.conf
}

func (r *router) Brokers() []*Broker {
	r.lock.RLock()
	defer r.lock.RUnlock()
	brokers := make([]*Broker, 0, len(r.brokers))
	for _, broker := range r.brokers {
		brokers = append(brokers, broker)
	}
	return brokers
}

func (r *router) Close() error {
	if r.Closed() {
		// Chances are this is being called from a defer() and the error will go unobserved
		// so we go ahead and log the event in this case.
		Logger.Printf("Close() called on already closed router")
		return ErrClosedRouter
	}

	// shutdown and wait for the background thread before we take the lock, to avoid races
	close(r.closer)
	<-r.closed

	r.lock.Lock()
	defer r.lock.Unlock()
	DebugLogger.Println("Closing router")

	var errs *multierror.Error
	for _, broker := range r.brokers {
		if err := broker.Close(); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = multierror.Append(errs, err)
		}
	}

	for _, broker := range r.seedBrokers {
		if err := broker.Close(); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = multierror.Append(errs, err)
		}
	}

	r.brokers = nil
	r.metadata = nil
	r.metadataTopics = nil

	return errs.ErrorOrNil()
}

func (r *router) Closed() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.brokers == nil
}

func (r *router) Partitions(topic string) ([]int32, error) {
	if r.Closed() {
		return nil, ErrClosedRouter
	}

	partitions := r.cachedPartitions(topic)

	if len(partitions) == 0 {
		err := r.RefreshMetadata(topic)
		if err != nil {
			return nil, err
		}
		partitions = r.cachedPartitions(topic)
	}

	// no partitions found after refresh metadata
	if len(partitions) == 0 {
		return nil, ErrUnknownTopicOrPartition
	}

	return partitions, nil
}

func (r *router) WritablePartitions(topic string) ([]int32, error) {
	if r.Closed() {
		return nil, ErrClosedRouter
	}

	partitions := r.writablePartitions(topic)

	if len(partitions) == 0 {
		err := r.RefreshMetadata(topic)
		if err != nil {
			return nil, err
		}
		partitions = r.writablePartitions(topic)
	}

	if len(partitions) == 0 {
		return nil, ErrUnknownTopicOrPartition
	}

	return partitions, nil
}

// writablePartitions recomputes instead of caching: topics rarely have enough
// partitions for the filtering to show up anywhere.
func (r *router) writablePartitions(topic string) []int32 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ret := make([]int32, 0, len(r.metadata[topic]))
	for _, partition := range r.metadata[topic] {
		if partition.Err == ErrLeaderNotAvailable || partition.Leader == -1 {
			continue
		}
		ret = append(ret, partition.ID)
	}

	sort.Sort(int32Slice(ret))
	return ret
}

func (r *router) MetadataTopics() ([]string, error) {
	if r.Closed() {
		return nil, ErrClosedRouter
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	ret := make([]string, 0, len(r.metadataTopics))
	for topic := range r.metadataTopics {
		ret = append(ret, topic)
	}

	return ret, nil
}

func (r *router) EnsureMetadata(topic string) error {
	if r.Closed() {
		return ErrClosedRouter
	}

	if partitions := r.cachedPartitions(topic); len(partitions) > 0 {
		return nil
	}

	if err := r.RefreshMetadata(topic); err != nil {
		return err
	}

	if partitions := r.cachedPartitions(topic); len(partitions) == 0 {
		return ErrUnknownTopicOrPartition
	}

	return nil
}

func (r *router) RefreshMetadata(topics ...string) error {
	if r.Closed() {
		return ErrClosedRouter
	}

	// Brokers answer an empty topic name with a protocol exception rather
	// than a proper error code, so catch it before it goes on the wire.
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidTopic
		}
	}

	return r.refreshMetadataFn(topics)
}

func (r *router) Route(topic string, partition int32) (*Route, error) {
	if r.Closed() {
		return nil, ErrClosedRouter
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	partitions := r.metadata[topic]
	if partitions == nil {
		return nil, ErrInvalidTopicMetadata
	}

	metadata, ok := partitions[partition]
	if !ok {
		return nil, ErrInvalidPartition
	}

	if metadata.Err == ErrLeaderNotAvailable || metadata.Leader == -1 {
		return nil, ErrInvalidTopicMetadata
	}

	leader := r.brokers[metadata.Leader]
	if leader == nil {
		return nil, ErrInvalidTopicMetadata
	}

	_ = leader.Open(r.conf)
	return &Route{
		Topic:     topic,
		Partition: partition,
		LeaderID:  metadata.Leader,
		Leader:    leader,
	}, nil
}

// private caching/management helpers

func (r *router) randomizeSeedBrokers(addrs []string) {
	random := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, index := range random.Perm(len(addrs)) {
		r.seedBrokers = append(r.seedBrokers, NewBroker(addrs[index]))
	}
}

// any returns some connected broker to talk to, preferring seeds.
func (r *router) any() *Broker {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if len(r.seedBrokers) > 0 {
		_ = r.seedBrokers[0].Open(r.conf)
		return r.seedBrokers[0]
	}

	// not guaranteed to be fair, but "pseudo-random" is good enough
	for _, broker := range r.brokers {
		_ = broker.Open(r.conf)
		return broker
	}

	return nil
}

// registerBroker makes sure a broker received in a metadata response is
// registered in the brokers map. You must hold the write lock before calling
// this function.
func (r *router) registerBroker(broker *Broker) {
	if r.brokers == nil {
		Logger.Printf("cannot register broker #%d at %s, router already closed", broker.ID(), broker.Addr())
		return
	}

	if r.brokers[broker.ID()] == nil {
		r.brokers[broker.ID()] = broker
		DebugLogger.Printf("router/brokers registered new broker #%d at %s", broker.ID(), broker.Addr())
	} else if broker.Addr() != r.brokers[broker.ID()].Addr() {
		safeAsyncClose(r.brokers[broker.ID()])
		r.brokers[broker.ID()] = broker
		Logger.Printf("router/brokers replaced registered broker #%d with %s", broker.ID(), broker.Addr())
	}
}

// deregisterBroker removes a broker from the broker list, and if it's
// not in the broker list, removes it from seedBrokers.
func (r *router) deregisterBroker(broker *Broker) {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, ok := r.brokers[broker.ID()]
	if ok {
		Logger.Printf("router/brokers deregistered broker #%d at %s", broker.ID(), broker.Addr())
		delete(r.brokers, broker.ID())
		return
	}
	if len(r.seedBrokers) > 0 && broker == r.seedBrokers[0] {
		r.deadSeeds = append(r.deadSeeds, broker)
		r.seedBrokers = r.seedBrokers[1:]
	}
}

func (r *router) resurrectDeadBrokers() {
	r.lock.Lock()
	defer r.lock.Unlock()

	Logger.Printf("router/brokers resurrecting %d dead seed brokers", len(r.deadSeeds))
	r.seedBrokers = append(r.seedBrokers, r.deadSeeds...)
	r.deadSeeds = nil
}

func (r *router) cachedPartitions(topic string) []int32 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.cachedPartitionsResults[topic]
}

// r.lock must be held by caller
func (r *router) setPartitionCache(topic string) []int32 {
	partitions := r.metadata[topic]

	ret := make([]int32, 0, len(partitions))
	for _, partition := range partitions {
		ret = append(ret, partition.ID)
	}

	sort.Sort(int32Slice(ret))
	return ret
}

func (r *router) computeBackoff(attemptsRemaining int) time.Duration {
	if r.conf.Metadata.Retry.BackoffFunc != nil {
		maxRetries := r.conf.Metadata.Retry.Max
		retries := maxRetries - attemptsRemaining
		return r.conf.Metadata.Retry.BackoffFunc(retries, maxRetries)
	}
	return r.conf.Metadata.Retry.Backoff
}

// refreshMetadata is the function the single-flight wrapper drives. It does
// the actual round trips to the bus.
func (r *router) refreshMetadata(topics []string) error {
	deadline := time.Time{}
	if r.conf.Metadata.Timeout > 0 {
		deadline = time.Now().Add(r.conf.Metadata.Timeout)
	}
	return r.tryRefreshMetadata(topics, r.conf.Metadata.Retry.Max, deadline)
}

func (r *router) tryRefreshMetadata(topics []string, attemptsRemaining int, deadline time.Time) error {
	pastDeadline := func(backoff time.Duration) bool {
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			// we are past the deadline
			return true
		}
		return false
	}
	retry := func(err error) error {
		if attemptsRemaining > 0 {
			backoff := r.computeBackoff(attemptsRemaining)
			if pastDeadline(backoff) {
				Logger.Println("router/metadata skipping last retries as we would go past the metadata timeout")
				return err
			}
			attemptsRemaining--
			Logger.Printf("router/metadata retrying after %dms... (%d attempts remaining)\n", backoff/time.Millisecond, attemptsRemaining)
			if backoff > 0 {
				time.Sleep(backoff)
			}
			return r.tryRefreshMetadata(topics, attemptsRemaining, deadline)
		}
		return err
	}

	broker := r.any()
	brokerErrors := make([]error, 0)
	for ; broker != nil && !pastDeadline(0); broker = r.any() {
		if len(topics) > 0 {
			DebugLogger.Printf("router/metadata fetching metadata for %v from broker %s\n", topics, broker.addr)
		} else {
			DebugLogger.Printf("router/metadata fetching metadata for all topics from broker %s\n", broker.addr)
		}

		req := &MetadataRequest{Topics: topics}
		response, err := broker.FetchMetadata(req)
		var packetEncodingError PacketEncodingError
		switch {
		case err == nil:
			// When talking to the startup phase of a broker, the response can be empty.
			// We keep asking other brokers until one knows the cluster.
			if len(response.Brokers) == 0 {
				Logger.Printf("router/metadata received empty broker list from broker %s\n", broker.addr)
				_ = broker.Close()
				r.deregisterBroker(broker)
				continue
			}
			allKnownMetaData := len(topics) == 0
			// valid response, use it
			shouldRetry, err := r.updateMetadata(response, allKnownMetaData)
			if shouldRetry {
				Logger.Println("router/metadata found some partitions to be leaderless")
				return retry(err) // note: err can be nil
			}
			return err
		case errors.As(err, &packetEncodingError):
			// didn't even send, return the error
			return err
		default:
			// some other error, remove that broker and try again
			Logger.Printf("router/metadata got error from broker %d while fetching metadata: %v\n", broker.ID(), err)
			brokerErrors = append(brokerErrors, err)
			_ = broker.Close()
			r.deregisterBroker(broker)
		}
	}

	outOfBrokers := multierror.Append(ErrOutOfBrokers, brokerErrors...)
	if broker != nil {
		Logger.Printf("router/metadata not fetching metadata from broker %s as we would go past the metadata timeout\n", broker.addr)
		return retry(outOfBrokers.ErrorOrNil())
	}

	Logger.Println("router/metadata no available broker to send metadata request to")
	r.resurrectDeadBrokers()
	return retry(outOfBrokers.ErrorOrNil())
}

// updateMetadata folds a metadata response into the cached topology. If no
// fatal error occurred, the returned bool signals whether some partitions were
// left leaderless and the caller should retry after a backoff.
func (r *router) updateMetadata(data *MetadataResponse, allKnownMetaData bool) (retry bool, err error) {
	if r.Closed() {
		return
	}

	if data.Err != ErrNoError {
		return data.Err.metadataRecoverable(), data.Err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	// For all the brokers we received:
	// - if it is a new ID, save it
	// - if it is an existing ID, but the address we have is stale, discard the old one and save it
	// - otherwise ignore it, replacing our existing one would just bounce the connection
	for _, broker := range data.Brokers {
		r.registerBroker(broker)
	}

	if allKnownMetaData {
		r.metadata = make(map[string]map[int32]*PartitionMetadata)
		r.metadataTopics = make(map[string]none)
		r.cachedPartitionsResults = make(map[string][]int32)
	}
	for _, topic := range data.Topics {
		// topics must be added firstly to `metadataTopics` to guarantee that all
		// requested topics must be recorded to keep them trackable for periodically
		// metadata refresh.
		if _, exists := r.metadataTopics[topic.Name]; !exists {
			r.metadataTopics[topic.Name] = none{}
		}
		delete(r.metadata, topic.Name)
		delete(r.cachedPartitionsResults, topic.Name)

		switch topic.Err {
		case ErrNoError:
			// no-op
		case ErrInvalidTopic: // don't retry, don't store partial results
			err = topic.Err
			continue
		case ErrUnknownTopicOrPartition: // retry, do not store partial partition results
			err = topic.Err
			retry = true
			continue
		case ErrLeaderNotAvailable: // retry, but store partial partition results
			retry = true
		default: // don't retry, don't store partial results
			Logger.Printf("Unexpected topic-level metadata error: %s", topic.Err)
			err = topic.Err
			continue
		}

		r.metadata[topic.Name] = make(map[int32]*PartitionMetadata, len(topic.Partitions))
		for _, partition := range topic.Partitions {
			r.metadata[topic.Name][partition.ID] = partition
			if partition.Err == ErrLeaderNotAvailable {
				retry = true
			}
		}

		r.cachedPartitionsResults[topic.Name] = r.setPartitionCache(topic.Name)
	}

	return
}

func (r *router) backgroundMetadataUpdater() {
	defer close(r.closed)

	if r.conf.Metadata.RefreshFrequency == time.Duration(0) {
		return
	}

	ticker := time.NewTicker(r.conf.Metadata.RefreshFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var topics []string
			if !r.conf.Metadata.Full {
				specific, err := r.MetadataTopics()
				if err != nil {
					Logger.Println("Router background metadata topics:", err)
					continue
				}
				if len(specific) == 0 {
					continue
				}
				topics = specific
			}
			if err := r.RefreshMetadata(topics...); err != nil {
				Logger.Println("Router background metadata update:", err)
			}
		case <-r.closer:
			return
		}
	}
}
