package courier

import "sync"

// metadataRefresh is the signature of the function the single-flight wrapper
// drives. It is handed the list of topics needing a refresh, or nil when the
// whole bus topology does.
type metadataRefresh func(topics []string) error

// currentRefresh makes sure a router does not issue metadata requests in
// parallel. When more topics come in while a refresh is already ongoing, they
// accumulate for a follow-up refresh issued as soon as the current one ends.
type currentRefresh struct {
	sync.Mutex
	ongoing   bool
	topicsMap map[string]none
	topics    []string
	allTopics bool
	chans     []chan error

	// refresh performs the actual work. It gets the accumulated topic list,
	// or nil if everything needs refreshing.
	refresh func(topics []string) error
}

func newCurrentRefresh(f func(topics []string) error) *currentRefresh {
	return &currentRefresh{
		topicsMap: make(map[string]none),
		topics:    make([]string, 0),
		chans:     make([]chan error, 0),
		refresh:   f,
	}
}

// addTopics folds topics into the pending set. An empty list widens the
// refresh to every topic. The caller must hold the lock.
func (r *currentRefresh) addTopics(topics []string) {
	if len(topics) == 0 {
		r.allTopics = true
		return
	}
	for _, topic := range topics {
		if _, ok := r.topicsMap[topic]; ok {
			continue
		}
		r.topicsMap[topic] = none{}
		r.topics = append(r.topics, topic)
	}
}

// addTopicsFrom drains the queued-up next refresh into this one. The caller
// must hold the lock.
func (r *currentRefresh) addTopicsFrom(next *nextRefresh) {
	if next.allTopics {
		r.allTopics = true
		return
	}
	if len(next.topics) > 0 {
		r.addTopics(next.topics)
		next.topics = next.topics[:0]
	}
}

// hasTopics reports whether this refresh already covers all the given topics.
// An empty list asks whether it covers everything. The caller must hold the lock.
func (r *currentRefresh) hasTopics(topics []string) bool {
	if len(topics) == 0 {
		return r.allTopics
	}
	if r.allTopics {
		return true
	}
	for _, topic := range topics {
		if _, ok := r.topicsMap[topic]; !ok {
			return false
		}
	}
	return true
}

// start kicks off the refresh in its own goroutine and returns a channel that
// receives the result. The caller must hold the lock.
func (r *currentRefresh) start() chan error {
	r.ongoing = true
	ch := make(chan error, 1)
	r.chans = append(r.chans, ch)
	topics := r.topics
	if r.allTopics {
		topics = nil
	}
	go func() {
		err := r.refresh(topics)
		r.Lock()
		r.ongoing = false
		for _, ch := range r.chans {
			ch <- err
			close(ch)
		}
		r.clear()
		r.Unlock()
	}()
	return ch
}

// wait returns a channel that receives the ongoing refresh's result. The
// caller must hold the lock.
func (r *currentRefresh) wait() chan error {
	if !r.ongoing {
		panic("waiting for a refresh that is not ongoing")
	}
	ch := make(chan error, 1)
	r.chans = append(r.chans, ch)
	return ch
}

// The caller must hold the lock.
func (r *currentRefresh) clear() {
	r.topics = r.topics[:0]
	for key := range r.topicsMap {
		delete(r.topicsMap, key)
	}
	r.allTopics = false
	r.chans = r.chans[:0]
}

// nextRefresh accumulates the topics that arrived while a refresh was already
// in flight, so one follow-up refresh can cover them all.
type nextRefresh struct {
	sync.Mutex
	topics    []string
	allTopics bool
}

func (r *nextRefresh) addTopics(topics []string) {
	if len(topics) == 0 {
		r.allTopics = true
		return
	}
	r.topics = append(r.topics, topics...)
}

// singleFlightRefresher serializes metadata refreshes for a router.
type singleFlightRefresher struct {
	current *currentRefresh
	next    *nextRefresh
}

func newSingleFlightRefresher(f func(topics []string) error) metadataRefresh {
	refresher := &singleFlightRefresher{
		current: newCurrentRefresh(f),
		next:    &nextRefresh{topics: make([]string, 0)},
	}
	return refresher.Refresh
}

// Refresh blocks until a refresh covering the given topics has been issued
// and its result received. If an ongoing refresh already covers them the call
// simply rides along. Otherwise the topics are queued, the ongoing refresh is
// waited out, and the loop starts the follow-up.
func (m *singleFlightRefresher) Refresh(topics []string) error {
	for {
		current := m.current
		current.Lock()
		if !current.ongoing {
			// Nothing in flight: start a refresh covering both the queued
			// leftovers and the caller's topics.
			m.next.Lock()
			current.addTopicsFrom(m.next)
			m.next.Unlock()
			current.addTopics(topics)
			ch := current.start()
			current.Unlock()
			return <-ch
		}
		if current.hasTopics(topics) {
			// The in-flight refresh already covers what we need.
			ch := current.wait()
			current.Unlock()
			return <-ch
		}
		// The in-flight refresh does not cover our topics. Queue them and
		// wait it out, the next loop iteration starts the follow-up.
		ch := current.wait()
		current.Unlock()
		m.next.Lock()
		m.next.addTopics(topics)
		m.next.Unlock()
		<-ch
	}
}
