package assetstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// Kind is the content kind of a submitted asset.
type Kind string

const (
	KindAudio         Kind = "audio"
	KindVoiceNote     Kind = "voice-note"
	KindDocumentAudio Kind = "document-audio"
	KindImage         Kind = "image"
)

// IsAudio reports whether the kind can be fed to the audio decoder.
func (k Kind) IsAudio() bool {
	return k == KindAudio || k == KindVoiceNote || k == KindDocumentAudio
}

// Asset is a file on local storage owned by one session.
type Asset struct {
	Path string
	Size int64
	Name string
	Kind Kind
}

// IsZero reports whether the asset is unset.
func (a Asset) IsZero() bool {
	return a.Path == ""
}

var (
	// ErrOutsideRoot is returned for paths that do not belong to the store.
	ErrOutsideRoot = errors.New("path is outside the asset store")
	// ErrEmptyReplacement is returned by Supersede when the new file is missing or empty.
	ErrEmptyReplacement = errors.New("replacement asset is missing or empty")
)

// Store manages per-user asset directories under a single root.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("asset root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve asset root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create asset root: %w", err)
	}

	log.Debug().Str("root", abs).Msg("Asset store initialized")

	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) userDir(userID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(userID, 10))
}

// Allocate ensures the user's directory exists and returns it.
func (s *Store) Allocate(userID int64) (string, error) {
	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to allocate user dir: %w", err)
	}
	return dir, nil
}

// NewPath returns a fresh, unused file path <root>/<userID>/<label>-<id>.<ext>.
// The file itself is not created.
func (s *Store) NewPath(userID int64, label, ext string) (string, error) {
	dir, err := s.Allocate(userID)
	if err != nil {
		return "", err
	}
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate asset id: %w", err)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", sanitizeLabel(label), id, ext)), nil
}

// Release removes everything the user owns. Releasing an unknown user is a no-op.
func (s *Store) Release(userID int64) error {
	if err := os.RemoveAll(s.userDir(userID)); err != nil {
		return fmt.Errorf("failed to release assets for user %d: %w", userID, err)
	}
	return nil
}

// Tidy removes the user's directory if it is empty.
func (s *Store) Tidy(userID int64) {
	_ = os.Remove(s.userDir(userID))
}

// Remove deletes a single asset. Missing files are not an error.
func (s *Store) Remove(a Asset) error {
	if a.IsZero() {
		return nil
	}
	if !s.owns(a.Path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, a.Path)
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove asset: %w", err)
	}
	return nil
}

// Supersede replaces old with next: next must exist and be non-empty before
// old is deleted. It returns next with its on-disk size filled in.
func (s *Store) Supersede(old, next Asset) (Asset, error) {
	info, err := os.Stat(next.Path)
	if err != nil || info.Size() == 0 {
		return Asset{}, ErrEmptyReplacement
	}
	next.Size = info.Size()

	if !old.IsZero() && old.Path != next.Path {
		if err := s.Remove(old); err != nil {
			return next, err
		}
	}
	return next, nil
}

// Scan lists the files currently held for a user, sorted by path.
func (s *Store) Scan(userID int64) ([]string, error) {
	entries, err := os.ReadDir(s.userDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, filepath.Join(s.userDir(userID), entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Users lists the user ids that currently have a directory.
func (s *Store) Users() ([]int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list asset root: %w", err)
	}

	var users []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	return users, nil
}

// Purge removes every user directory. Sessions do not survive a restart, so
// anything left on disk at startup is orphaned.
func (s *Store) Purge() (int, error) {
	users, err := s.Users()
	if err != nil {
		return 0, err
	}
	for _, id := range users {
		if err := s.Release(id); err != nil {
			return 0, err
		}
	}
	return len(users), nil
}

// Size returns the on-disk size of path.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) owns(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

func sanitizeLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, label)
	if label == "" {
		return "asset"
	}
	return label
}
