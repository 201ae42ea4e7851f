package batch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/config"
)

// controller adapts batch concurrency to observed outcomes. It ramps
// up by one slot after a run of consecutive successes and collapses to
// a single slot for a cooldown window after any transport-level
// failure.
type controller struct {
	mu        sync.Mutex
	current   int
	maxConc   int
	rampAfter int
	cooldown  time.Duration
	successes int
	holdUntil time.Time
}

func newController(cfg config.BatchConfig) *controller {
	return &controller{
		current:   cfg.ConcurrencyStart,
		maxConc:   cfg.ConcurrencyMax,
		rampAfter: cfg.RampAfter,
		cooldown:  time.Duration(cfg.CooldownSecs) * time.Second,
	}
}

// concurrency returns the slot count currently allowed, never below 1.
func (c *controller) concurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.holdUntil) {
		return 1
	}
	if c.current < 1 {
		c.current = 1
	}
	return c.current
}

// onSuccess counts toward the ramp threshold and widens by one slot
// once it is reached.
func (c *controller) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.holdUntil) {
		return
	}
	c.successes++
	if c.successes < c.rampAfter || c.current >= c.maxConc {
		return
	}
	c.successes = 0
	c.current++
	zap.L().Debug("batch: concurrency increased", zap.Int("concurrency", c.current))
}

// onFailure resets the consecutive success run without narrowing.
func (c *controller) onFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = 0
}

// onTransportError collapses to one slot and holds there for the
// cooldown window before ramping can resume.
func (c *controller) onTransportError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = 0
	c.current = 1
	c.holdUntil = time.Now().Add(c.cooldown)
	zap.L().Warn("batch: transport error, cooling down",
		zap.Duration("cooldown", c.cooldown))
}
