// Package interaction implements the barge-in coordinator: cooperative
// cancellation of in-flight work plus a cooldown-windowed interruption
// counter that surfaces an advisory notice after repeated barge-ins.
package interaction

import (
	"math/rand"
	"sync"
	"time"
)

// CoordinatorConfig tunes the interruption window.
type CoordinatorConfig struct {
	Window    time.Duration // default 60s
	Threshold int           // interrupts within the window before a notice, default 3
}

// InterruptState is a read-only view of the counter.
type InterruptState struct {
	Count           int
	LastInterruptAt time.Time
}

// Coordinator tracks barge-ins. Each Interrupt fires the registered cancel
// hook and advances the windowed counter; once the counter reaches the
// threshold, TakeNotice hands out one advisory for the current burst.
type Coordinator struct {
	cfg CoordinatorConfig

	mu          sync.Mutex
	count       int
	lastAt      time.Time
	noticeShown bool
	cancel      func()
	cancelID    int
	now         func() time.Time
	pick        func(n int) int
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	return &Coordinator{cfg: cfg, now: time.Now, pick: rand.Intn}
}

// SetCancel registers the cooperative cancellation hook for the work an
// interruption should stop, replacing any previous hook. The returned clear
// func unregisters it, but only if a newer hook has not taken its place.
func (c *Coordinator) SetCancel(cancel func()) (clear func()) {
	c.mu.Lock()
	c.cancelID++
	id := c.cancelID
	c.cancel = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.cancelID == id {
			c.cancel = nil
		}
		c.mu.Unlock()
	}
}

// Interrupt cancels the in-flight work and advances the counter. When the
// previous interruption is older than the window, the counter resets to 1,
// not 0: the interruption that caused the reset still counts.
func (c *Coordinator) Interrupt() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	now := c.now()
	if now.Sub(c.lastAt) > c.cfg.Window {
		c.count = 1
		c.noticeShown = false
	} else {
		c.count++
	}
	c.lastAt = now
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// State returns the current counter and its window anchor.
func (c *Coordinator) State() InterruptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return InterruptState{Count: c.count, LastInterruptAt: c.lastAt}
}

// TakeNotice returns a localized advisory when the burst has reached the
// threshold. It fires at most once per window: the counter keeps climbing
// afterwards, but no further notice is produced until a window reset.
func (c *Coordinator) TakeNotice(language string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count < c.cfg.Threshold || c.noticeShown {
		return "", false
	}
	c.noticeShown = true
	return noticeFor(language, c.pick), true
}

var notices = map[string][]string{
	"en": {
		"I notice you're eager to share! Let me finish my thought first.",
		"One moment please, I'm still processing the previous input.",
		"I appreciate your enthusiasm! Let's take it one step at a time.",
	},
	"es": {
		"¡Veo que tienes muchas cosas que compartir! Déjame terminar primero.",
		"Un momento por favor, aún estoy procesando la entrada anterior.",
		"¡Aprecio tu entusiasmo! Vayamos paso a paso.",
	},
	"sw": {
		"Naona una hamu ya kushiriki! Niache nimalize kwanza.",
		"Tafadhali ngoja, bado nashughulikia mchango uliopita.",
		"Napenda shauku yako! Tuende hatua kwa hatua.",
	},
}

func noticeFor(language string, pick func(n int) int) string {
	available, ok := notices[language]
	if !ok {
		available = notices["en"]
	}
	return available[pick(len(available))]
}
