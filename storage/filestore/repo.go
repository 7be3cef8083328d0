// Package filestore persists the session record to a single file sealed with NaCl
// secretbox, so tokens at rest are unreadable without the session key.
package filestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/jrsteele09/brewmate-auth/storage"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	filePerm  = 0o600
	dirPerm   = 0o700
)

var ErrCorrupt = errors.New("session file cannot be opened with this key")

type Repo struct {
	mu   sync.Mutex
	path string
	key  [keySize]byte
}

var _ storage.Repo = (*Repo)(nil)

// NewRepo returns a repo sealing records at path with the hex encoded 32 byte key.
func NewRepo(path, hexKey string) (*Repo, error) {
	if path == "" {
		return nil, errors.New("[NewRepo] session file path is required")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "[NewRepo] session key is not hex")
	}
	if len(raw) != keySize {
		return nil, errors.Errorf("[NewRepo] session key must be %d bytes, got %d", keySize, len(raw))
	}

	r := &Repo{path: path}
	copy(r.key[:], raw)
	return r, nil
}

// GenerateKey returns a fresh hex encoded session key.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", errors.Wrap(err, "[GenerateKey] reading random bytes")
	}
	return hex.EncodeToString(key[:]), nil
}

func (r *Repo) Load(_ context.Context) (*storage.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sealed, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, autherrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Repo.Load] reading session file")
	}
	if len(sealed) < nonceSize {
		return nil, ErrCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &r.key)
	if !ok {
		return nil, ErrCorrupt
	}

	var record storage.Record
	if err := json.Unmarshal(plain, &record); err != nil {
		return nil, errors.Wrap(err, "[Repo.Load] decoding session record")
	}
	return &record, nil
}

// Save replaces the file atomically: the sealed record is written next to it and
// renamed into place.
func (r *Repo) Save(_ context.Context, record *storage.Record) error {
	if record == nil {
		return errors.New("[Repo.Save] record cannot be nil")
	}
	plain, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[Repo.Save] encoding session record")
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return errors.Wrap(err, "[Repo.Save] reading nonce")
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &r.key)

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrap(err, "[Repo.Save] creating session directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "[Repo.Save] creating temp file")
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[Repo.Save] setting permissions")
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[Repo.Save] writing session file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[Repo.Save] syncing session file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[Repo.Save] closing session file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), r.path), "[Repo.Save] replacing session file")
}

func (r *Repo) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "[Repo.Delete] removing session file")
	}
	return nil
}
