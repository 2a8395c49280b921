// Package breaker implements the circuit breaker guarding the object-storage
// dependency. A breaker trips open after a configurable run of consecutive
// failures, rejects calls for a cool-down window that grows exponentially
// across repeated openings, and admits exactly one trial call in half-open
// before deciding whether to close again.
//
// Only object storage is circuit-broken; inference failures go through the
// sub-task retry path instead.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config controls breaker behavior. The zero value is usable via defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open. Default 5.
	FailureThreshold int

	// BaseCooldown is the first open-window duration. Each re-opening doubles
	// it up to MaxCooldown. Default 2s.
	BaseCooldown time.Duration

	// MaxCooldown caps the exponential cool-down growth. Default 30s.
	MaxCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 2 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 30 * time.Second
	}
	return c
}

// Breaker guards calls to one external dependency. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	// now is stubbed in tests.
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int           // consecutive failures while closed
	openings      int           // times the breaker has opened since last close
	openedAt      time.Time     // when the current open window started
	cooldown      time.Duration // current open-window length
	trialInFlight bool          // half-open admits exactly one call
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// State returns the current state, advancing open → half-open when the
// cool-down window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.trialInFlight = false
		log.Debug().Str("dependency", b.name).Msg("Breaker half-open, admitting one trial call")
	}
}

// Do runs fn under the breaker. While open it returns ErrOpen immediately
// with no call attempted. In half-open exactly one in-flight trial is
// admitted; concurrent callers get ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.advanceLocked()
	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked(err)
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) onSuccessLocked() {
	if b.state != StateClosed {
		log.Info().Str("dependency", b.name).Str("from", b.state.String()).Msg("Breaker closed")
	}
	b.state = StateClosed
	b.failures = 0
	b.openings = 0
	b.trialInFlight = false
}

func (b *Breaker) onFailureLocked(err error) {
	switch b.state {
	case StateHalfOpen:
		// Trial failed: reopen with a doubled cool-down.
		b.openLocked()
		log.Warn().Err(err).Str("dependency", b.name).Dur("cooldown", b.cooldown).
			Msg("Breaker trial call failed, reopening")
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
			log.Warn().Err(err).Str("dependency", b.name).Int("failures", b.failures).
				Dur("cooldown", b.cooldown).Msg("Breaker opened")
		}
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.trialInFlight = false

	b.cooldown = b.cfg.BaseCooldown << b.openings
	if b.cooldown > b.cfg.MaxCooldown || b.cooldown <= 0 {
		b.cooldown = b.cfg.MaxCooldown
	}
	b.openings++
}
