package courier

import (
	"io"
	"sync"
	"testing"
	"time"
)

func safeClose(t testing.TB, c io.Closer) {
	t.Helper()
	err := c.Close()
	if err != nil {
		t.Error(err)
	}
}

// NewTestConfig returns a config meant to be used by tests. Retry backoffs
// are zeroed so failure paths run at full speed.
func NewTestConfig() *Config {
	config := NewConfig()
	config.Metadata.Retry.Backoff = 0
	config.Publish.Retry.Backoff = 0
	return config
}

func closePublisherWithTimeout(t *testing.T, p Publisher, timeout time.Duration) {
	t.Helper()
	var wg sync.WaitGroup
	p.AsyncClose()

	closer := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		t.Error("timeout")
		close(closer)
	})
	defer timer.Stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-closer:
				return
			case _, ok := <-p.Successes():
				if !ok {
					return
				}
				t.Error("Unexpected message on Successes()")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-closer:
				return
			case msg, ok := <-p.Errors():
				if !ok {
					return
				}
				t.Error(msg.Err)
			}
		}
	}()
	wg.Wait()
}

func closePublisher(t *testing.T, p Publisher) {
	t.Helper()
	closePublisherWithTimeout(t, p, 5*time.Minute)
}

const TestMessage = "ABC THE MESSAGE"
