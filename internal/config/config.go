package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Upstream avatar-video generation service.
	UpstreamURL    string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	// Durable content-addressed cache.
	StorageBackend string // "file" or "supabase"
	CacheDir       string
	CacheMaxAge    time.Duration // 0 means artifacts are kept forever
	AvatarDir      string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	// Request validation.
	MaxTextLength int

	// Volatile per-avatar response cache.
	ResponseCacheTTL     time.Duration
	ResponseCacheMaxSize int

	// Barge-in coordinator.
	InterruptWindow    time.Duration
	InterruptThreshold int
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		log.Printf("config: invalid %s=%q, using default %v", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	upstream := os.Getenv("UPSTREAM_API_URL")
	if upstream == "" {
		upstream = "https://hf.space/embed/vinthony/SadTalker/+/api/predict"
	}

	backend := os.Getenv("STORAGE_BACKEND")
	if backend == "" {
		backend = "file"
	}

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "public/generated_cache"
	}

	avatarDir := os.Getenv("AVATAR_DIR")
	if avatarDir == "" {
		avatarDir = "public/avatars"
	}

	supaURL := os.Getenv("SUPABASE_URL")
	supaKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	supaBucket := os.Getenv("SUPABASE_BUCKET")
	if supaBucket == "" {
		supaBucket = "generated-cache"
	}
	if backend == "supabase" && (supaURL == "" || supaKey == "") {
		log.Println("Warning: STORAGE_BACKEND=supabase but SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - storage will not work")
	}

	log.Printf("config: HTTP_ADDRESS=%s STORAGE_BACKEND=%s", addr, backend)
	return Config{
		HTTPAddress:          addr,
		UpstreamURL:          upstream,
		RequestTimeout:       envDuration("REQUEST_TIMEOUT_MS", 15*time.Second),
		MaxRetries:           envInt("MAX_RETRIES", 1),
		RetryDelay:           envDuration("RETRY_DELAY_MS", time.Second),
		StorageBackend:       backend,
		CacheDir:             cacheDir,
		CacheMaxAge:          envDuration("CACHE_MAX_AGE_MS", 0),
		AvatarDir:            avatarDir,
		SupabaseURL:          supaURL,
		SupabaseKey:          supaKey,
		SupabaseBucket:       supaBucket,
		MaxTextLength:        envInt("MAX_TEXT_LENGTH", 1000),
		ResponseCacheTTL:     envDuration("RESPONSE_CACHE_TTL_MS", 24*time.Hour),
		ResponseCacheMaxSize: envInt("RESPONSE_CACHE_MAX_SIZE", 50),
		InterruptWindow:      envDuration("INTERRUPT_WINDOW_MS", time.Minute),
		InterruptThreshold:   envInt("INTERRUPT_THRESHOLD", 3),
	}
}
