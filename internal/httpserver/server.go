// Package httpserver wires the HTTP surface: the generation endpoint, the
// websocket session feed, and static serving of avatar and cache assets.
package httpserver

import (
	"log"
	"net/http"

	"github.com/Mdanson-code/facepal/internal/cache"
	"github.com/Mdanson-code/facepal/internal/config"
	"github.com/Mdanson-code/facepal/internal/generate"
	"github.com/Mdanson-code/facepal/internal/interaction"
	"github.com/Mdanson-code/facepal/internal/upstream"
	"github.com/Mdanson-code/facepal/internal/video"
)

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Router http.Handler

	store cache.Store
}

// Close stops background work owned by the server, currently the durable
// store's expiry sweep.
func (s *Server) Close() {
	if fs, ok := s.store.(*cache.FileStore); ok {
		fs.StopSweep()
	}
}

// New constructs the server: durable store, upstream client, generation
// service, and routes.
func New(cfg config.Config) *Server {
	var store cache.Store
	switch cfg.StorageBackend {
	case "supabase":
		s, err := cache.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
		if err != nil {
			log.Fatalf("supabase store: %v", err)
		}
		store = s
	default:
		fs := cache.NewFileStore(cfg.CacheDir, "/generated_cache")
		fs.StartSweep(cfg.CacheMaxAge, 0)
		store = fs
	}

	client := upstream.NewClient(cfg.UpstreamURL, cfg.RequestTimeout, cfg.MaxRetries, cfg.RetryDelay)
	svc := generate.NewService(store, client, cfg.MaxTextLength)

	sessionCfg := sessionConfig{
		cache: video.CacheConfig{
			TTL:     cfg.ResponseCacheTTL,
			MaxSize: cfg.ResponseCacheMaxSize,
		},
		coordinator: interaction.CoordinatorConfig{
			Window:    cfg.InterruptWindow,
			Threshold: cfg.InterruptThreshold,
		},
		preloader: &assetPreloader{dir: cfg.AvatarDir},
	}

	e := newEcho()
	h := NewHandlers(svc)
	h.Register(e)
	registerWS(e, svc, sessionCfg)

	if cfg.StorageBackend == "file" {
		e.Static("/generated_cache", cfg.CacheDir)
	}
	e.Static("/avatars", cfg.AvatarDir)

	return &Server{Router: e, store: store}
}
