package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Mdanson-code/facepal/internal/generate"
	"github.com/Mdanson-code/facepal/internal/interaction"
	"github.com/Mdanson-code/facepal/internal/session"
	"github.com/Mdanson-code/facepal/internal/video"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin for demo use; restrict in production
		return true
	},
}

// wsMessage is the session wire format. Client -> server types: "select",
// "say", "play", "interrupt", "ended", "volume", "mute", "bye". Server ->
// client types: "state", "src", "play", "pause", "loop", "muted", "volume",
// "response", "notice", "error".
type wsMessage struct {
	Type string `json:"type"`

	AvatarID string `json:"avatarId,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	URL    string   `json:"url,omitempty"`
	Loop   *bool    `json:"loop,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
	Volume *float64 `json:"volume,omitempty"`

	ResponseID string          `json:"responseId,omitempty"`
	Notice     string          `json:"notice,omitempty"`
	Error      string          `json:"error,omitempty"`
	State      *video.Snapshot `json:"state,omitempty"`
}

type sessionConfig struct {
	cache       video.CacheConfig
	coordinator interaction.CoordinatorConfig
	manager     video.ManagerConfig
	preloader   video.Preloader
}

// registerWS mounts the per-connection session endpoint.
func registerWS(e *echo.Echo, svc *generate.Service, cfg sessionConfig) {
	e.GET("/ws", func(c echo.Context) error {
		serveSession(c.Response(), c.Request(), svc, cfg)
		return nil
	})
}

// serveSession upgrades to WebSocket and runs one avatar session: commands
// in, playback directives and state snapshots out.
func serveSession(w http.ResponseWriter, r *http.Request, svc *generate.Service, cfg sessionConfig) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	out := make(chan wsMessage, 64)
	player := newWSPlayer(out)

	gen := func(ctx context.Context, avatarID, text, language string) (string, error) {
		res, err := svc.Generate(ctx, text, avatarID)
		if err != nil {
			return "", err
		}
		return res.VideoURL, nil
	}
	sess := session.New(player, gen, cfg.preloader, session.Config{
		Cache:       cfg.cache,
		Coordinator: cfg.coordinator,
		Manager:     cfg.manager,
	})
	defer sess.Close()

	unsubscribe := sess.Manager.Subscribe(func(snap video.Snapshot) {
		s := snap
		sendWS(out, wsMessage{Type: "state", State: &s})
	})
	defer unsubscribe()

	// Writer goroutine: single owner of the connection's write side. The
	// outbound channel is never closed; the writer is told to stop instead,
	// so a straggling producer can never hit a closed channel.
	writerStop := make(chan struct{})
	defer close(writerStop)
	go func() {
		for {
			select {
			case <-writerStop:
				return
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read error: %v", err)
			}
			return
		}
		switch strings.ToLower(msg.Type) {
		case "select":
			if msg.AvatarID == "" {
				sendWS(out, wsMessage{Type: "error", Error: "select requires avatarId"})
				continue
			}
			if err := sess.SelectAvatar(ctx, msg.AvatarID); err != nil {
				sendWS(out, wsMessage{Type: "error", Error: "failed to start avatar"})
			}
		case "say":
			go func(text, language string) {
				reply, err := sess.Say(ctx, text, language)
				if err != nil {
					if !errors.Is(err, video.ErrInterrupted) {
						// Interrupted turns stay silent; real failures do not.
						sendWS(out, wsMessage{Type: "error", Error: "failed to generate response"})
					}
					return
				}
				if reply.Notice != "" {
					sendWS(out, wsMessage{Type: "notice", Notice: reply.Notice})
				}
				sendWS(out, wsMessage{Type: "response", ResponseID: reply.ResponseID})
			}(msg.Text, msg.Language)
		case "play":
			// Play a pre-resolved clip, bypassing generation (e.g. a
			// canned response the client already holds a URL for).
			if msg.URL == "" {
				sendWS(out, wsMessage{Type: "error", Error: "play requires url"})
				continue
			}
			if err := sess.Manager.PlayResponse(msg.URL); err != nil {
				log.Printf("ws: response playback failed: %v", err)
			}
		case "interrupt":
			sess.Interrupt()
		case "ended":
			player.handleEnded()
		case "volume":
			if msg.Volume != nil {
				sess.Manager.SetVolume(*msg.Volume)
			}
		case "mute":
			if msg.Muted != nil {
				sess.Manager.SetMuted(*msg.Muted)
			}
		case "bye":
			return
		}
	}
}

// sendWS queues a message for the writer without ever blocking the state
// machine; when the writer has stopped or fallen behind, the message is
// dropped.
func sendWS(out chan<- wsMessage, msg wsMessage) {
	select {
	case out <- msg:
	default:
		log.Printf("ws: dropping %s message, outbound queue full", msg.Type)
	}
}

// wsPlayer relays playback directives to the browser's media element and
// surfaces its "ended" events back to the state machine.
type wsPlayer struct {
	out chan<- wsMessage

	mu      sync.Mutex
	onEnded func()
	seq     int
}

func newWSPlayer(out chan<- wsMessage) *wsPlayer {
	return &wsPlayer{out: out}
}

func (p *wsPlayer) Play() error {
	sendWS(p.out, wsMessage{Type: "play"})
	return nil
}

func (p *wsPlayer) Pause() {
	sendWS(p.out, wsMessage{Type: "pause"})
}

func (p *wsPlayer) SetSrc(url string) {
	sendWS(p.out, wsMessage{Type: "src", URL: url})
}

func (p *wsPlayer) SetLoop(loop bool) {
	sendWS(p.out, wsMessage{Type: "loop", Loop: &loop})
}

func (p *wsPlayer) SetMuted(muted bool) {
	sendWS(p.out, wsMessage{Type: "muted", Muted: &muted})
}

func (p *wsPlayer) SetVolume(volume float64) {
	sendWS(p.out, wsMessage{Type: "volume", Volume: &volume})
}

// OnEnded registers a one-shot completion handler; the returned cancel
// detaches it unless a newer handler has replaced it.
func (p *wsPlayer) OnEnded(fn func()) func() {
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

// handleEnded fires the pending completion handler, if any.
func (p *wsPlayer) handleEnded() {
	p.mu.Lock()
	fn := p.onEnded
	p.onEnded = nil
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// assetPreloader verifies avatar assets exist on disk before playback, the
// server-side analogue of warming the media element.
type assetPreloader struct {
	dir string
}

func (a *assetPreloader) Preload(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel := strings.TrimPrefix(path.Clean(url), "/avatars/")
	if rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("preload: invalid asset path %q", url)
	}
	if _, err := os.Stat(filepath.Join(a.dir, filepath.FromSlash(rel))); err != nil {
		return fmt.Errorf("preload: %w", err)
	}
	return nil
}
