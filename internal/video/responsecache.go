package video

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// GenerateFunc produces a playable clip URL for spoken text. It must honor
// ctx cancellation and perform no observable side effect once cancelled.
type GenerateFunc func(ctx context.Context, avatarID, text, language string) (string, error)

// CacheConfig tunes the volatile response cache.
type CacheConfig struct {
	TTL           time.Duration // entry lifetime, default 24h
	MaxSize       int           // per-avatar entry bound, default 50
	SweepInterval time.Duration // default: TTL
}

type cacheEntry struct {
	url       string
	timestamp time.Time
}

type genJob struct {
	ctx      context.Context
	avatarID string
	text     string
	language string
	done     chan genResult
}

type genResult struct {
	url string
	err error
}

// ResponseCache maps (avatarID, text) to generated clip URLs. It is a
// performance cache only: entries expire after TTL, each avatar is bounded to
// MaxSize entries, and everything is lost on restart by design.
//
// Cache misses are serialized through a single FIFO worker so at most one
// generation is in flight process-wide; queued requests wait behind it.
type ResponseCache struct {
	cfg      CacheConfig
	generate GenerateFunc
	fallback func(avatarID string) string

	mu      sync.Mutex
	entries map[string]map[string]cacheEntry // avatarID -> text -> entry
	now     func() time.Time

	jobs      chan *genJob
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewResponseCache starts the worker and the background sweep. fallback
// supplies the clip substituted when generation fails for a reason other
// than interruption; nil disables the substitution.
func NewResponseCache(generate GenerateFunc, fallback func(avatarID string) string, cfg CacheConfig) *ResponseCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	c := &ResponseCache{
		cfg:      cfg,
		generate: generate,
		fallback: fallback,
		entries:  make(map[string]map[string]cacheEntry),
		now:      time.Now,
		jobs:     make(chan *genJob, 64),
		stop:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.worker()
	go c.sweeper()
	return c
}

// GetOrGenerate returns the clip URL for (avatarID, text). Fresh cached
// entries are returned without generation; stale entries are ignored on read
// even if the sweep has not removed them yet. On a miss the request queues
// behind any in-flight generation.
func (c *ResponseCache) GetOrGenerate(ctx context.Context, avatarID, text, language, responseID string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.entries[avatarID][text]; ok && c.now().Sub(entry.timestamp) <= c.cfg.TTL {
		c.mu.Unlock()
		return entry.url, nil
	}
	c.mu.Unlock()

	job := &genJob{ctx: ctx, avatarID: avatarID, text: text, language: language, done: make(chan genResult, 1)}
	select {
	case c.jobs <- job:
	case <-ctx.Done():
		return "", ErrInterrupted
	case <-c.stop:
		return "", fmt.Errorf("video: response cache closed")
	}

	select {
	case res := <-job.done:
		return res.url, res.err
	case <-ctx.Done():
		return "", ErrInterrupted
	case <-c.stop:
		return "", fmt.Errorf("video: response cache closed")
	}
}

func (c *ResponseCache) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case job := <-c.jobs:
			job.done <- c.process(job)
		}
	}
}

func (c *ResponseCache) process(job *genJob) genResult {
	// The request may have been interrupted while queued.
	if job.ctx.Err() != nil {
		return genResult{err: ErrInterrupted}
	}

	url, err := c.generate(job.ctx, job.avatarID, job.text, job.language)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrInterrupted) || job.ctx.Err() != nil {
			// Cancelled generations write nothing and stay silent.
			return genResult{err: ErrInterrupted}
		}
		log.Printf("video: generation for avatar %s failed: %v", job.avatarID, err)
		if c.fallback != nil {
			return genResult{url: c.fallback(job.avatarID)}
		}
		return genResult{err: err}
	}

	c.mu.Lock()
	if c.entries[job.avatarID] == nil {
		c.entries[job.avatarID] = make(map[string]cacheEntry)
	}
	c.entries[job.avatarID][job.text] = cacheEntry{url: url, timestamp: c.now()}
	c.mu.Unlock()
	return genResult{url: url}
}

func (c *ResponseCache) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep drops expired entries, then evicts the oldest entries of any avatar
// holding more than MaxSize. TTL removal runs first so the size bound only
// considers live entries.
func (c *ResponseCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for avatarID, texts := range c.entries {
		for text, entry := range texts {
			if now.Sub(entry.timestamp) > c.cfg.TTL {
				delete(texts, text)
			}
		}
		if len(texts) > c.cfg.MaxSize {
			type keyed struct {
				text string
				ts   time.Time
			}
			sorted := make([]keyed, 0, len(texts))
			for text, entry := range texts {
				sorted = append(sorted, keyed{text, entry.timestamp})
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].ts.Before(sorted[j].ts) })
			for _, k := range sorted[:len(texts)-c.cfg.MaxSize] {
				delete(texts, k.text)
			}
		}
		if len(texts) == 0 {
			delete(c.entries, avatarID)
		}
	}
}

// Len reports the number of live entries for an avatar.
func (c *ResponseCache) Len(avatarID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[avatarID])
}

// Close stops the worker and sweeper. Queued jobs are abandoned; their
// callers unblock via their contexts.
func (c *ResponseCache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
