package cache

import (
	"errors"
	"fmt"
	"io"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// SupabaseStore persists artifacts in a Supabase storage bucket. Objects are
// keyed <fingerprint>.mp4 and served through the bucket's public URL.
type SupabaseStore struct {
	client  *supabase.Client
	baseURL string
	bucket  string
}

// NewSupabaseStore connects to Supabase storage.
func NewSupabaseStore(baseURL, serviceKey, bucket string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(baseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("cache: create supabase client: %w", err)
	}
	return &SupabaseStore{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
	}, nil
}

func (s *SupabaseStore) objectKey(fingerprint string) string {
	return fingerprint + Ext
}

// URL returns the public object URL for a fingerprint's artifact.
func (s *SupabaseStore) URL(fingerprint string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, s.objectKey(fingerprint))
}

// Has probes the bucket for the artifact by asking the storage API to sign
// its URL, which touches metadata only and never transfers the payload.
func (s *SupabaseStore) Has(fingerprint string) (bool, error) {
	_, err := s.client.Storage.CreateSignedUrl(s.bucket, s.objectKey(fingerprint), 60)
	if err == nil {
		return true, nil
	}
	// A StorageError means the API answered; for this probe that is the
	// object not existing. Transport failures surface as other error types
	// and must not be mistaken for a miss.
	var serr *storage_go.StorageError
	if errors.As(err, &serr) {
		return false, nil
	}
	return false, fmt.Errorf("cache: probe supabase object: %w", err)
}

// Put uploads the artifact. Supabase upserts server-side, so racing writers
// for the same fingerprint are idempotent.
func (s *SupabaseStore) Put(fingerprint string, r io.Reader) (string, error) {
	if _, err := s.client.Storage.UploadFile(s.bucket, s.objectKey(fingerprint), r); err != nil {
		return "", fmt.Errorf("cache: upload to supabase: %w", err)
	}
	return s.URL(fingerprint), nil
}
