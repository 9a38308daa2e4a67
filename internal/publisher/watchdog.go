package publisher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/observability"
)

// Default watchdog settings.
const (
	DefaultWatchdogInterval  = 10 * time.Second
	DefaultWatchdogThreshold = 3
)

// Watchdog pings the bus on a timer and calls OnFailure after Threshold
// consecutive failed pings.
type Watchdog struct {
	Target    Pinger
	Interval  time.Duration
	Threshold int
	Timeout   time.Duration
	OnFailure func(err error)
	Logger    logrus.FieldLogger
}

// Run blocks until ctx is done or OnFailure has been called.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	threshold := w.Threshold
	if threshold <= 0 {
		threshold = DefaultWatchdogThreshold
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = interval
	}
	logger := w.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "watchdog")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := w.Target.Ping(pingCtx)
		cancel()

		if err == nil {
			if failures > 0 {
				log.Info("bus reachable again")
			}
			failures = 0
			observability.SetBusHealthy(true)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		observability.SetBusHealthy(false)
		log.WithError(err).WithField("failures", failures).Warn("bus ping failed")
		if failures >= threshold {
			log.WithError(err).Error("bus unreachable, giving up")
			if w.OnFailure != nil {
				w.OnFailure(err)
			}
			return
		}
	}
}
