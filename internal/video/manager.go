package video

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Snapshot is the manager's observable state. Listeners receive copies and
// never mutate the manager directly.
type Snapshot struct {
	CurrentAvatarID string  `json:"currentAvatarId"`
	State           State   `json:"videoState"`
	IsLoading       bool    `json:"isLoading"`
	IsMuted         bool    `json:"isMuted"`
	Volume          float64 `json:"volume"`
}

// ManagerConfig tunes asset preloading.
type ManagerConfig struct {
	AvatarBasePath string // URL prefix for avatar assets, default "/avatars"
	PreloadRetries int    // attempts per asset, default 3
	RetryDelay     time.Duration
}

// Manager is the per-avatar playback state machine. All transitions funnel
// through it; exactly one state is current at a time and completion handlers
// from a superseded transition never fire late.
type Manager struct {
	player      Player
	resolver    Resolver
	coordinator Interrupter
	preloader   Preloader
	cfg         ManagerConfig

	mu          sync.Mutex
	snap        Snapshot
	epoch       uint64
	cancelEnded func()
	cancelGen   context.CancelFunc

	listeners map[int]func(Snapshot)
	nextID    int
}

// NewManager constructs a Manager. resolver, coordinator and preloader may be
// nil when the corresponding behavior is not needed (e.g. in tests).
func NewManager(player Player, resolver Resolver, coordinator Interrupter, preloader Preloader, cfg ManagerConfig) *Manager {
	if cfg.AvatarBasePath == "" {
		cfg.AvatarBasePath = "/avatars"
	}
	if cfg.PreloadRetries <= 0 {
		cfg.PreloadRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Manager{
		player:      player,
		resolver:    resolver,
		coordinator: coordinator,
		preloader:   preloader,
		cfg:         cfg,
		snap:        Snapshot{State: StateIdle, Volume: 1},
		listeners:   make(map[int]func(Snapshot)),
	}
}

// IdleURL returns the looping idle clip for an avatar.
func (m *Manager) IdleURL(avatarID string) string {
	return fmt.Sprintf("%s/%s/idle.mp4", m.cfg.AvatarBasePath, avatarID)
}

// GreetingURL returns the greeting clip for an avatar.
func (m *Manager) GreetingURL(avatarID string) string {
	return fmt.Sprintf("%s/%s/greeting.mp4", m.cfg.AvatarBasePath, avatarID)
}

// Subscribe registers a state listener and returns its unsubscribe func. The
// listener immediately receives the current snapshot.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	snap := m.snap
	m.mu.Unlock()
	fn(snap)
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// setState mutates the snapshot under the lock and notifies listeners after
// releasing it.
func (m *Manager) setState(mutate func(*Snapshot)) {
	m.mu.Lock()
	mutate(&m.snap)
	snap := m.snap
	listeners := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// bumpEpoch invalidates pending completion handlers and in-flight generation
// belonging to earlier transitions. Caller must hold m.mu.
func (m *Manager) bumpEpochLocked() uint64 {
	m.epoch++
	if m.cancelEnded != nil {
		m.cancelEnded()
		m.cancelEnded = nil
	}
	if m.cancelGen != nil {
		m.cancelGen()
		m.cancelGen = nil
	}
	return m.epoch
}

// attachEnded wires an on-complete handler for the current epoch. A handler
// whose epoch was superseded is a no-op even if the player fires it anyway.
func (m *Manager) attachEnded(epoch uint64, onEnded func()) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if m.cancelEnded != nil {
		m.cancelEnded()
	}
	m.cancelEnded = m.player.OnEnded(func() {
		m.mu.Lock()
		stale := m.epoch != epoch
		m.mu.Unlock()
		if !stale {
			onEnded()
		}
	})
	m.mu.Unlock()
}

// SetCurrentAvatar preloads the avatar's greeting and idle assets and makes
// it current. Repeated calls with the same id are a no-op.
func (m *Manager) SetCurrentAvatar(ctx context.Context, avatarID string) error {
	m.mu.Lock()
	if m.snap.CurrentAvatarID == avatarID {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setState(func(s *Snapshot) { s.IsLoading = true })
	err := m.preloadAvatar(ctx, avatarID)
	m.setState(func(s *Snapshot) { s.IsLoading = false })
	if err != nil {
		// Preload failure is non-fatal: playback falls back to on-demand
		// loading, matching the observed behavior.
		log.Printf("video: preload for avatar %s failed: %v", avatarID, err)
	}
	m.setState(func(s *Snapshot) { s.CurrentAvatarID = avatarID })
	return nil
}

func (m *Manager) preloadAvatar(ctx context.Context, avatarID string) error {
	if m.preloader == nil {
		return nil
	}
	for _, url := range []string{m.GreetingURL(avatarID), m.IdleURL(avatarID)} {
		var lastErr error
		for attempt := 1; attempt <= m.cfg.PreloadRetries; attempt++ {
			if lastErr = m.preloader.Preload(ctx, url); lastErr == nil {
				break
			}
			if attempt == m.cfg.PreloadRetries {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.RetryDelay):
			}
		}
	}
	return nil
}

// PlayGreeting plays the avatar's greeting clip; on natural completion the
// avatar reverts to idle.
func (m *Manager) PlayGreeting(avatarID string) error {
	m.mu.Lock()
	epoch := m.bumpEpochLocked()
	m.mu.Unlock()

	m.setState(func(s *Snapshot) { s.State = StateGreeting })
	m.player.SetLoop(false)
	m.player.SetSrc(m.GreetingURL(avatarID))
	m.attachEnded(epoch, m.SwitchToIdle)
	return m.player.Play()
}

// SwitchToIdle starts the looped idle clip for the current avatar. It is a
// no-op when no avatar is selected.
func (m *Manager) SwitchToIdle() {
	m.mu.Lock()
	current := m.snap.CurrentAvatarID
	if current == "" {
		m.mu.Unlock()
		return
	}
	m.bumpEpochLocked()
	m.mu.Unlock()

	m.setState(func(s *Snapshot) { s.State = StateIdle })
	m.player.SetLoop(true)
	m.player.SetSrc(m.IdleURL(current))
	if err := m.player.Play(); err != nil {
		log.Printf("video: idle playback failed: %v", err)
	}
}

// PlayResponse plays an already-resolved clip; on completion the avatar
// reverts to idle.
func (m *Manager) PlayResponse(url string) error {
	m.mu.Lock()
	epoch := m.bumpEpochLocked()
	m.mu.Unlock()

	m.setState(func(s *Snapshot) { s.State = StateResponse })
	m.player.SetLoop(false)
	m.player.SetSrc(url)
	m.attachEnded(epoch, m.SwitchToIdle)
	return m.player.Play()
}

// SwitchToTalking moves to thinking, resolves the talking clip (cache hit or
// generation), then plays it in the talking state. A superseding transition
// or barge-in makes the resolution moot: the avatar stays wherever the newer
// transition put it and ErrInterrupted is returned. Any other resolution
// failure reverts the avatar to idle and is returned to the caller.
func (m *Manager) SwitchToTalking(ctx context.Context, avatarID, text, language, responseID string) error {
	genCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	epoch := m.bumpEpochLocked()
	m.cancelGen = cancel
	m.mu.Unlock()

	m.setState(func(s *Snapshot) { s.State = StateThinking })

	url, err := m.resolver.GetOrGenerate(genCtx, avatarID, text, language, responseID)

	m.mu.Lock()
	superseded := m.epoch != epoch
	if !superseded {
		m.cancelGen = nil
	}
	m.mu.Unlock()
	cancel()
	if superseded {
		// A newer transition owns the state now.
		return ErrInterrupted
	}
	if err != nil {
		m.SwitchToIdle()
		return err
	}

	m.setState(func(s *Snapshot) { s.State = StateTalking })
	m.player.SetLoop(false)
	m.player.SetSrc(url)
	m.attachEnded(epoch, m.SwitchToIdle)
	return m.player.Play()
}

// Interrupt cancels pending generation, detaches the completion handler so it
// cannot fire late, pauses playback and forces idle. User-initiated
// interrupts are reported to the barge-in coordinator.
func (m *Manager) Interrupt(userInitiated bool) {
	m.mu.Lock()
	m.bumpEpochLocked()
	m.mu.Unlock()

	m.player.Pause()
	m.SwitchToIdle()

	if userInitiated && m.coordinator != nil {
		m.coordinator.Interrupt()
	}
}

// SetVolume adjusts playback volume and publishes the change.
func (m *Manager) SetVolume(volume float64) {
	m.player.SetVolume(volume)
	m.setState(func(s *Snapshot) { s.Volume = volume })
}

// SetMuted toggles mute and publishes the change.
func (m *Manager) SetMuted(muted bool) {
	m.player.SetMuted(muted)
	m.setState(func(s *Snapshot) { s.IsMuted = muted })
}

// Dispose detaches handlers and drops all listeners.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.bumpEpochLocked()
	m.listeners = make(map[int]func(Snapshot))
	m.mu.Unlock()
}
