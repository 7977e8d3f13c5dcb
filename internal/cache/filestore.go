package cache

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one artifact file per fingerprint under a local directory.
// Files are named <fingerprint>.mp4 and served under PublicPath.
type FileStore struct {
	dir        string
	publicPath string

	mkdirOnce sync.Once
	mkdirErr  error

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewFileStore creates a store rooted at dir. publicPath is the URL prefix
// the directory is served under (e.g. "/generated_cache"). The directory is
// created lazily on first write.
func NewFileStore(dir, publicPath string) *FileStore {
	return &FileStore{
		dir:        dir,
		publicPath: path.Clean("/" + publicPath),
		stopSweep:  make(chan struct{}),
	}
}

// Dir returns the directory artifacts are stored in.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) ensureDir() error {
	s.mkdirOnce.Do(func() {
		s.mkdirErr = os.MkdirAll(s.dir, 0o755)
	})
	return s.mkdirErr
}

func (s *FileStore) filePath(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+Ext)
}

// URL returns the public URL for a fingerprint's artifact.
func (s *FileStore) URL(fingerprint string) string {
	return s.publicPath + "/" + fingerprint + Ext
}

// Has reports whether the artifact file exists.
func (s *FileStore) Has(fingerprint string) (bool, error) {
	_, err := os.Stat(s.filePath(fingerprint))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("cache: stat artifact: %w", err)
}

// Put streams r into a temp file in the cache directory and renames it into
// place, so concurrent readers never see a torn artifact. A racing second
// writer for the same fingerprint overwrites with identical content.
func (s *FileStore) Put(fingerprint string, r io.Reader) (string, error) {
	if err := s.ensureDir(); err != nil {
		return "", fmt.Errorf("cache: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, fingerprint+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("cache: create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("cache: write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("cache: close artifact: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath(fingerprint)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("cache: commit artifact: %w", err)
	}
	return s.URL(fingerprint), nil
}

// StartSweep removes artifacts older than maxAge on the given interval.
// A zero maxAge disables sweeping; artifacts are then kept forever.
func (s *FileStore) StartSweep(maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = maxAge
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSweep:
				return
			case <-ticker.C:
				s.sweep(maxAge)
			}
		}
	}()
}

// StopSweep halts the background sweep.
func (s *FileStore) StopSweep() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func (s *FileStore) sweep(maxAge time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("cache: sweep read dir: %v", err)
		}
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("cache: sweep removed %d expired artifacts", removed)
	}
}
