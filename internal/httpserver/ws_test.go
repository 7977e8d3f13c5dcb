package httpserver

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mdanson-code/facepal/internal/config"
)

// writeAvatarAssets lays out the stock clips so avatar selection preloads
// without retries.
func writeAvatarAssets(t *testing.T, dir, avatarID string) {
	t.Helper()
	base := filepath.Join(dir, avatarID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"greeting.mp4", "idle.mp4", "talking.mp4"} {
		if err := os.WriteFile(filepath.Join(base, name), []byte("clip"), 0o644); err != nil {
			t.Fatalf("write asset: %v", err)
		}
	}
}

func dialSession(t *testing.T, router *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(router.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil consumes messages until one satisfies want.
func readUntil(t *testing.T, conn *websocket.Conn, desc string, want func(wsMessage) bool) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", desc, err)
		}
		if want(msg) {
			return msg
		}
	}
}

func TestWS_SessionLifecycle(t *testing.T) {
	avatarDir := t.TempDir()
	writeAvatarAssets(t, avatarDir, "sarah")
	srv := New(config.Config{
		UpstreamURL:    "http://127.0.0.1:0",
		RequestTimeout: time.Second,
		RetryDelay:     time.Millisecond,
		StorageBackend: "file",
		CacheDir:       t.TempDir(),
		AvatarDir:      avatarDir,
	})
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	conn := dialSession(t, ts)

	// The subscription pushes the initial snapshot on connect.
	first := readUntil(t, conn, "initial state", func(m wsMessage) bool { return m.Type == "state" })
	if first.State == nil || first.State.CurrentAvatarID != "" {
		t.Fatalf("initial snapshot = %+v", first.State)
	}

	if err := conn.WriteJSON(wsMessage{Type: "select", AvatarID: "sarah"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	readUntil(t, conn, "greeting src", func(m wsMessage) bool {
		return m.Type == "src" && m.URL == "/avatars/sarah/greeting.mp4"
	})

	// A pre-resolved clip plays without touching generation.
	if err := conn.WriteJSON(wsMessage{Type: "play", URL: "/generated_cache/abc.mp4"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	readUntil(t, conn, "response state", func(m wsMessage) bool {
		return m.Type == "state" && m.State != nil && m.State.State == "response"
	})
	readUntil(t, conn, "response src", func(m wsMessage) bool {
		return m.Type == "src" && m.URL == "/generated_cache/abc.mp4"
	})

	if err := conn.WriteJSON(wsMessage{Type: "ended"}); err != nil {
		t.Fatalf("ended: %v", err)
	}
	readUntil(t, conn, "idle state", func(m wsMessage) bool {
		return m.Type == "state" && m.State != nil && m.State.State == "idle"
	})

	// bye tears the session down; the server closes the connection.
	if err := conn.WriteJSON(wsMessage{Type: "bye"}); err != nil {
		t.Fatalf("bye: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
	}
}
