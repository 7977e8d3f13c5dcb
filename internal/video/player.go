// Package video orchestrates per-avatar playback: the state machine driving
// idle/greeting/thinking/talking transitions and the volatile response cache
// that resolves talking-clip URLs.
package video

import (
	"context"
	"errors"
)

// ErrInterrupted is the cooperative cancellation signal. It is not a failure:
// callers suppress it from user-facing error surfaces.
var ErrInterrupted = errors.New("video: generation interrupted")

// State is an avatar's playback state.
type State string

const (
	StateIdle     State = "idle"
	StateGreeting State = "greeting"
	StateThinking State = "thinking"
	StateTalking  State = "talking"
	StateResponse State = "response"
)

// Player is the playback surface the state machine drives. Implementations
// wrap whatever actually renders video (a browser media element relayed over
// the wire, a test fake); the manager depends only on this capability set.
type Player interface {
	Play() error
	Pause()
	SetSrc(url string)
	SetLoop(loop bool)
	SetMuted(muted bool)
	SetVolume(volume float64)
	// OnEnded registers fn to fire once on natural playback completion and
	// returns a cancel that detaches it. At most one handler is live at a
	// time; the manager detaches the previous before attaching a new one.
	OnEnded(fn func()) (cancel func())
}

// Preloader warms an avatar asset so the first play starts promptly.
type Preloader interface {
	Preload(ctx context.Context, url string) error
}

// Resolver resolves a talking-clip URL for spoken text, from cache or by
// generation. Implemented by ResponseCache.
type Resolver interface {
	GetOrGenerate(ctx context.Context, avatarID, text, language, responseID string) (string, error)
}

// Interrupter receives user-initiated barge-in notifications.
type Interrupter interface {
	Interrupt()
}
