package video

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePlayer records directives and lets tests fire the ended event.
type fakePlayer struct {
	mu      sync.Mutex
	src     string
	loop    bool
	muted   bool
	volume  float64
	playing bool
	paused  int
	onEnded func()
	seq     int
}

func (p *fakePlayer) Play() error { p.mu.Lock(); p.playing = true; p.mu.Unlock(); return nil }
func (p *fakePlayer) Pause()      { p.mu.Lock(); p.playing = false; p.paused++; p.mu.Unlock() }
func (p *fakePlayer) SetSrc(url string) {
	p.mu.Lock()
	p.src = url
	p.mu.Unlock()
}
func (p *fakePlayer) SetLoop(loop bool)        { p.mu.Lock(); p.loop = loop; p.mu.Unlock() }
func (p *fakePlayer) SetMuted(muted bool)      { p.mu.Lock(); p.muted = muted; p.mu.Unlock() }
func (p *fakePlayer) SetVolume(volume float64) { p.mu.Lock(); p.volume = volume; p.mu.Unlock() }

func (p *fakePlayer) OnEnded(fn func()) func() {
	p.mu.Lock()
	p.seq++
	id := p.seq
	p.onEnded = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		if p.seq == id {
			p.onEnded = nil
		}
		p.mu.Unlock()
	}
}

func (p *fakePlayer) fireEnded() {
	p.mu.Lock()
	fn := p.onEnded
	p.onEnded = nil
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakePlayer) currentSrc() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src
}

type fakeResolver struct {
	mu      sync.Mutex
	url     string
	err     error
	release chan struct{}
	calls   int
}

func (r *fakeResolver) GetOrGenerate(ctx context.Context, avatarID, text, language, responseID string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ErrInterrupted
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return r.url, nil
}

type fakeCoordinator struct {
	mu    sync.Mutex
	count int
}

func (c *fakeCoordinator) Interrupt() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *fakeCoordinator) interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func newTestManager(player *fakePlayer, resolver Resolver, coordinator Interrupter) *Manager {
	return NewManager(player, resolver, coordinator, nil, ManagerConfig{RetryDelay: time.Millisecond})
}

func selectAvatar(t *testing.T, m *Manager, id string) {
	t.Helper()
	if err := m.SetCurrentAvatar(context.Background(), id); err != nil {
		t.Fatalf("set avatar: %v", err)
	}
}

func TestGreetingRevertsToIdleOnEnded(t *testing.T) {
	player := &fakePlayer{}
	m := newTestManager(player, nil, nil)
	selectAvatar(t, m, "sarah")

	if err := m.PlayGreeting("sarah"); err != nil {
		t.Fatalf("play greeting: %v", err)
	}
	if got := m.Snapshot().State; got != StateGreeting {
		t.Fatalf("state = %s, want greeting", got)
	}
	if player.currentSrc() != "/avatars/sarah/greeting.mp4" {
		t.Fatalf("src = %s", player.currentSrc())
	}

	player.fireEnded()
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after ended = %s, want idle", got)
	}
	if player.currentSrc() != "/avatars/sarah/idle.mp4" {
		t.Fatalf("idle src = %s", player.currentSrc())
	}
	if !player.loop {
		t.Fatalf("idle playback must loop")
	}
}

func TestPlayResponseRevertsToIdleOnEnded(t *testing.T) {
	player := &fakePlayer{}
	m := newTestManager(player, nil, nil)
	selectAvatar(t, m, "sarah")

	if err := m.PlayResponse("/generated_cache/abc.mp4"); err != nil {
		t.Fatalf("play response: %v", err)
	}
	if got := m.Snapshot().State; got != StateResponse {
		t.Fatalf("state = %s, want response", got)
	}
	if player.currentSrc() != "/generated_cache/abc.mp4" {
		t.Fatalf("src = %s", player.currentSrc())
	}
	if player.loop {
		t.Fatalf("response playback must not loop")
	}

	player.fireEnded()
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after ended = %s, want idle", got)
	}
}

func TestSwitchToIdleWithoutAvatarIsNoop(t *testing.T) {
	player := &fakePlayer{}
	m := newTestManager(player, nil, nil)
	m.SwitchToIdle()
	if player.currentSrc() != "" {
		t.Fatalf("no-op expected, got src %s", player.currentSrc())
	}
}

func TestSetCurrentAvatar_Idempotent(t *testing.T) {
	player := &fakePlayer{}
	pre := &countingPreloader{}
	m := NewManager(player, nil, nil, pre, ManagerConfig{RetryDelay: time.Millisecond})
	selectAvatar(t, m, "sarah")
	selectAvatar(t, m, "sarah")
	if pre.count() != 2 { // greeting + idle, once
		t.Fatalf("expected 2 preloads, got %d", pre.count())
	}
}

type countingPreloader struct {
	mu sync.Mutex
	n  int
}

func (p *countingPreloader) Preload(ctx context.Context, url string) error {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	return nil
}

func (p *countingPreloader) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func TestSwitchToTalking_HappyPath(t *testing.T) {
	player := &fakePlayer{}
	resolver := &fakeResolver{url: "/generated_cache/abc.mp4"}
	m := newTestManager(player, resolver, nil)
	selectAvatar(t, m, "sarah")

	var states []State
	unsub := m.Subscribe(func(s Snapshot) { states = append(states, s.State) })
	defer unsub()

	if err := m.SwitchToTalking(context.Background(), "sarah", "Hello", "en", "r1"); err != nil {
		t.Fatalf("switch to talking: %v", err)
	}
	if got := m.Snapshot().State; got != StateTalking {
		t.Fatalf("state = %s, want talking", got)
	}
	if player.currentSrc() != "/generated_cache/abc.mp4" {
		t.Fatalf("src = %s", player.currentSrc())
	}

	sawThinking := false
	for _, s := range states {
		if s == StateThinking {
			sawThinking = true
		}
	}
	if !sawThinking {
		t.Fatalf("UI must observe the thinking state before talking, saw %v", states)
	}

	player.fireEnded()
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state after playback = %s, want idle", got)
	}
}

func TestSwitchToTalking_FailureRevertsToIdle(t *testing.T) {
	player := &fakePlayer{}
	wantErr := errors.New("generation exploded")
	m := newTestManager(player, &fakeResolver{err: wantErr}, nil)
	selectAvatar(t, m, "sarah")

	err := m.SwitchToTalking(context.Background(), "sarah", "Hello", "en", "r1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected resolver error surfaced, got %v", err)
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state = %s, want idle after failure", got)
	}
}

func TestInterruptDuringThinking(t *testing.T) {
	player := &fakePlayer{}
	resolver := &fakeResolver{url: "/generated_cache/abc.mp4", release: make(chan struct{})}
	coordinator := &fakeCoordinator{}
	m := newTestManager(player, resolver, coordinator)
	selectAvatar(t, m, "sarah")

	done := make(chan error, 1)
	go func() {
		done <- m.SwitchToTalking(context.Background(), "sarah", "Hello", "en", "r1")
	}()
	for m.Snapshot().State != StateThinking {
		time.Sleep(time.Millisecond)
	}

	m.Interrupt(true)

	if err := <-done; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("superseded transition must report ErrInterrupted, got %v", err)
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("state = %s, want idle immediately after interrupt", got)
	}
	if coordinator.interrupts() != 1 {
		t.Fatalf("user interrupt must reach the coordinator, got %d", coordinator.interrupts())
	}

	// The superseded generation resolving later must not move the state.
	close(resolver.release)
	time.Sleep(5 * time.Millisecond)
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("stale resolution changed state to %s", got)
	}
}

func TestStaleEndedHandlerIgnored(t *testing.T) {
	player := &fakePlayer{}
	m := newTestManager(player, &fakeResolver{url: "/generated_cache/abc.mp4"}, nil)
	selectAvatar(t, m, "sarah")

	if err := m.PlayGreeting("sarah"); err != nil {
		t.Fatalf("play greeting: %v", err)
	}
	// Capture the greeting's handler, then supersede the transition.
	player.mu.Lock()
	stale := player.onEnded
	player.mu.Unlock()

	if err := m.SwitchToTalking(context.Background(), "sarah", "Hello", "en", "r1"); err != nil {
		t.Fatalf("switch to talking: %v", err)
	}
	if stale != nil {
		stale() // late event from the superseded greeting
	}
	if got := m.Snapshot().State; got != StateTalking {
		t.Fatalf("stale ended handler moved state to %s", got)
	}
}

func TestNonUserInterruptSkipsCoordinator(t *testing.T) {
	player := &fakePlayer{}
	coordinator := &fakeCoordinator{}
	m := newTestManager(player, &fakeResolver{url: "/x.mp4"}, coordinator)
	selectAvatar(t, m, "sarah")

	m.Interrupt(false)
	if coordinator.interrupts() != 0 {
		t.Fatalf("system interrupt must not count as barge-in")
	}
}

func TestVolumeAndMutePublished(t *testing.T) {
	player := &fakePlayer{}
	m := newTestManager(player, nil, nil)

	m.SetVolume(0.25)
	m.SetMuted(true)

	snap := m.Snapshot()
	if snap.Volume != 0.25 || !snap.IsMuted {
		t.Fatalf("snapshot = %+v", snap)
	}
	if player.volume != 0.25 || !player.muted {
		t.Fatalf("player not updated: volume=%v muted=%v", player.volume, player.muted)
	}
}
