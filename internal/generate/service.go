// Package generate implements the generation request service: validate the
// input, fingerprint it, and serve the clip from the durable cache or the
// upstream generator.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/Mdanson-code/facepal/internal/cache"
)

// ErrValidation marks a rejected request; nothing was generated or stored.
var ErrValidation = errors.New("generate: invalid request")

// Generator produces raw video bytes for (text, avatarID).
type Generator interface {
	Generate(ctx context.Context, text, avatarID string) (io.ReadCloser, error)
}

// Result is the outcome of a generation request.
type Result struct {
	VideoURL string `json:"videoUrl"`
	Cached   bool   `json:"cached"`
}

// Service coordinates the durable cache and the upstream client. Concurrent
// first requests for one fingerprint share a single upstream call.
type Service struct {
	store         cache.Store
	client        Generator
	maxTextLength int
	flight        singleflight.Group
}

// NewService constructs a Service. maxTextLength bounds accepted input text.
func NewService(store cache.Store, client Generator, maxTextLength int) *Service {
	if maxTextLength <= 0 {
		maxTextLength = 1000
	}
	return &Service{store: store, client: client, maxTextLength: maxTextLength}
}

func (s *Service) validate(text, avatarID string) error {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(avatarID) == "" {
		return fmt.Errorf("%w: missing required fields: text and avatarId", ErrValidation)
	}
	// The bound is in characters, not bytes; accented and non-Latin text
	// must not hit it early.
	if utf8.RuneCountInString(text) > s.maxTextLength {
		return fmt.Errorf("%w: text exceeds maximum length of %d", ErrValidation, s.maxTextLength)
	}
	return nil
}

// Generate serves a clip URL for (text, avatarID). A cache hit returns
// immediately with Cached=true and makes no upstream call.
func (s *Service) Generate(ctx context.Context, text, avatarID string) (Result, error) {
	if err := s.validate(text, avatarID); err != nil {
		return Result{}, err
	}

	fp := cache.Fingerprint(avatarID, text)
	ok, err := s.store.Has(fp)
	if err != nil {
		return Result{}, fmt.Errorf("generate: check cache: %w", err)
	}
	if ok {
		return Result{VideoURL: s.store.URL(fp), Cached: true}, nil
	}

	url, err, _ := s.flight.Do(fp, func() (interface{}, error) {
		// Re-check inside the flight: a racing caller may have just
		// finished writing this fingerprint.
		if ok, err := s.store.Has(fp); err == nil && ok {
			return s.store.URL(fp), nil
		}
		body, err := s.client.Generate(ctx, text, avatarID)
		if err != nil {
			return "", err
		}
		defer body.Close()
		if ctx.Err() != nil {
			// Cancelled generations must not write to the cache.
			return "", ctx.Err()
		}
		url, err := s.store.Put(fp, body)
		if err != nil {
			return "", err
		}
		log.Printf("generate: stored new artifact fingerprint=%s avatar=%s", fp[:12], avatarID)
		return url, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{VideoURL: url.(string), Cached: false}, nil
}
