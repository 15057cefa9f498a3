package courier

import (
	"flag"
	"log"
	"os"
	"testing"

	"github.com/rcrowley/go-metrics"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if f := flag.Lookup("test.v"); f != nil && f.Value.String() == "true" {
		Logger = log.New(os.Stderr, "[Courier] ", log.LstdFlags)
	}
	// go-metrics drives every meter from one process-wide ticker goroutine.
	// Spin it up before any test takes a goroutine-leak baseline.
	metrics.NewMeter().Stop()
	os.Exit(m.Run())
}
