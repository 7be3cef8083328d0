package storage

import (
	"context"
	"errors"
	"sync"

	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
)

// InMemoryRepo keeps the record for the life of the process.
type InMemoryRepo struct {
	mu     sync.RWMutex
	record *Record
}

var _ Repo = (*InMemoryRepo)(nil)

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{}
}

func (r *InMemoryRepo) Load(_ context.Context) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.record == nil {
		return nil, autherrors.ErrSessionNotFound
	}
	copied := *r.record
	return &copied, nil
}

func (r *InMemoryRepo) Save(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *record
	r.record = &copied
	return nil
}

func (r *InMemoryRepo) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record = nil
	return nil
}
