package stream

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRateWindow is how often throughput is logged.
const DefaultRateWindow = 5 * time.Second

// RateCounter counts events and logs the rate once per window.
// It is used for observability only.
type RateCounter struct {
	mu     sync.Mutex
	window time.Duration
	count  int
	start  time.Time
	now    func() time.Time
	log    logrus.FieldLogger
}

// NewRateCounter creates a counter that reports every window.
func NewRateCounter(window time.Duration, log logrus.FieldLogger) *RateCounter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &RateCounter{
		window: window,
		now:    time.Now,
		log:    log,
	}
	r.start = r.now()
	return r
}

// Inc records one event. When the window has elapsed it logs and returns
// the per-second rate, then starts a new window.
func (r *RateCounter) Inc() (rps float64, reported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	elapsed := r.now().Sub(r.start)
	if elapsed < r.window {
		return 0, false
	}

	rps = float64(r.count) / elapsed.Seconds()
	r.log.WithField("rps", int64(rps+0.5)).Info("throughput")
	r.count = 0
	r.start = r.now()
	return rps, true
}
