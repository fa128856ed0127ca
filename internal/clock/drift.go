package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultDriftPool      = "pool.ntp.org"
	defaultDriftInterval  = 60 * time.Second
	defaultDriftThreshold = 500 * time.Millisecond
)

// DriftPhase is the drift checker's health state.
type DriftPhase uint8

const (
	DriftUnchecked DriftPhase = iota + 1
	DriftHealthy
	DriftExcessive
	DriftError
)

func (p DriftPhase) String() string {
	switch p {
	case DriftUnchecked:
		return "unchecked"
	case DriftHealthy:
		return "healthy"
	case DriftExcessive:
		return "excessive_offset"
	case DriftError:
		return "error"
	default:
		return "unknown"
	}
}

// DriftStatus is the last observed offset between the local clock and NTP.
type DriftStatus struct {
	Offset    time.Duration
	Phase     DriftPhase
	Error     string
	CheckedAt int64
}

// DriftChecker periodically queries an NTP pool and records the offset.
// Queries run on their own goroutine so the event loop only ever reads
// the cached status.
type DriftChecker struct {
	mu        sync.RWMutex
	status    DriftStatus
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     Clock

	// QueryFunc replaces the NTP query in tests.
	QueryFunc func() (time.Duration, error)
}

func NewDriftChecker(c Clock) *DriftChecker {
	if c == nil {
		c = Real{}
	}
	return &DriftChecker{
		pool:      defaultDriftPool,
		interval:  defaultDriftInterval,
		threshold: defaultDriftThreshold,
		status:    DriftStatus{Phase: DriftUnchecked},
		clock:     c,
	}
}

func (d *DriftChecker) Run(ctx context.Context) {
	d.check()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *DriftChecker) check() {
	var offset time.Duration
	var err error
	if d.QueryFunc != nil {
		offset, err = d.QueryFunc()
	} else {
		var resp *ntp.Response
		resp, err = ntp.Query(d.pool)
		if err == nil {
			offset = resp.ClockOffset
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if err != nil {
		d.status = DriftStatus{Error: err.Error(), Phase: DriftError, CheckedAt: now}
		return
	}

	phase := DriftExcessive
	if offset.Abs() < d.threshold {
		phase = DriftHealthy
	}
	d.status = DriftStatus{Offset: offset, Phase: phase, CheckedAt: now}
}

// Status returns the last check result without blocking on the network.
func (d *DriftChecker) Status() DriftStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}
