// Package session binds the barge-in coordinator, the volatile response
// cache and the playback state machine for a single client connection.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mdanson-code/facepal/internal/interaction"
	"github.com/Mdanson-code/facepal/internal/video"
)

// Config bundles the per-session tuning knobs.
type Config struct {
	Cache       video.CacheConfig
	Coordinator interaction.CoordinatorConfig
	Manager     video.ManagerConfig
}

// Reply is the outcome of a Say: the advisory notice attached to this
// response, if the barge-in burst crossed the threshold.
type Reply struct {
	ResponseID string
	Notice     string
}

// Session orchestrates one client's avatar interaction. State is scoped to
// the session and lost when it closes; only the durable artifact cache is
// shared across sessions.
type Session struct {
	Manager *video.Manager

	coordinator *interaction.Coordinator
	cache       *video.ResponseCache

	mu     sync.Mutex
	seq    int
	closed bool
}

// New constructs a Session around the given playback surface. generate
// resolves talking clips (typically the generation endpoint service);
// preloader may be nil.
func New(player video.Player, generate video.GenerateFunc, preloader video.Preloader, cfg Config) *Session {
	coordinator := interaction.NewCoordinator(cfg.Coordinator)
	cache := video.NewResponseCache(generate, func(avatarID string) string {
		return fmt.Sprintf("%s/%s/talking.mp4", basePath(cfg.Manager), avatarID)
	}, cfg.Cache)
	manager := video.NewManager(player, cache, coordinator, preloader, cfg.Manager)
	return &Session{Manager: manager, coordinator: coordinator, cache: cache}
}

func basePath(cfg video.ManagerConfig) string {
	if cfg.AvatarBasePath != "" {
		return cfg.AvatarBasePath
	}
	return "/avatars"
}

// SelectAvatar preloads and activates an avatar, then plays its greeting.
func (s *Session) SelectAvatar(ctx context.Context, avatarID string) error {
	if err := s.Manager.SetCurrentAvatar(ctx, avatarID); err != nil {
		return err
	}
	return s.Manager.PlayGreeting(avatarID)
}

// Say drives a full response turn: a barge-in is raised if the avatar is
// still busy with the previous turn, any pending advisory notice is attached
// to this response, and the state machine runs thinking -> talking. An
// interrupted turn returns video.ErrInterrupted, which callers must not
// surface as an error.
func (s *Session) Say(ctx context.Context, text, language string) (Reply, error) {
	snap := s.Manager.Snapshot()
	if snap.CurrentAvatarID == "" {
		return Reply{}, fmt.Errorf("session: no avatar selected")
	}
	if snap.State == video.StateThinking || snap.State == video.StateTalking {
		// New input before the previous response finished: barge in.
		s.Manager.Interrupt(true)
	}

	sayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	clear := s.coordinator.SetCancel(cancel)
	defer clear()

	s.mu.Lock()
	s.seq++
	responseID := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	s.mu.Unlock()

	notice, _ := s.coordinator.TakeNotice(language)

	if err := s.Manager.SwitchToTalking(sayCtx, snap.CurrentAvatarID, text, language, responseID); err != nil {
		return Reply{}, err
	}
	return Reply{ResponseID: responseID, Notice: notice}, nil
}

// Interrupt forwards a user barge-in to the state machine (and through it to
// the coordinator).
func (s *Session) Interrupt() {
	s.Manager.Interrupt(true)
}

// InterruptState exposes the coordinator's counter for observability.
func (s *Session) InterruptState() interaction.InterruptState {
	return s.coordinator.State()
}

// Close releases the session's resources. Safe to call once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cache.Close()
	s.Manager.Dispose()
}
