package storage

import (
	"context"
	"time"
)

// Record is the persisted copy of the signed in session.
type Record struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	SavedAt      time.Time `json:"saved_at"`
}

// Repo holds at most one Record. Load of an empty repo returns
// errors.ErrSessionNotFound.
type Repo interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, record *Record) error
	Delete(ctx context.Context) error
}
