// Package valkeystore keeps the session record in valkey so several processes of the
// same account share one sign-in.
package valkeystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/jrsteele09/brewmate-auth/storage"
	"github.com/pkg/errors"
	"github.com/valkey-io/valkey-go"
)

const objectType = "session"

type Repo struct {
	valkey valkey.Client
	key    string
}

var _ storage.Repo = (*Repo)(nil)

// NewRepo stores the record of account under "<prefix>:session:<account>".
func NewRepo(client valkey.Client, prefix, account string) (*Repo, error) {
	if client == nil {
		return nil, errors.New("[NewRepo] valkey client is required")
	}
	if account == "" {
		return nil, errors.New("[NewRepo] account is required")
	}
	prefix = strings.TrimSuffix(prefix, ":")
	return &Repo{
		valkey: client,
		key:    fmt.Sprintf("%s:%s:%s", prefix, objectType, account),
	}, nil
}

func (r *Repo) Key() string {
	return r.key
}

func (r *Repo) Load(ctx context.Context) (*storage.Record, error) {
	bytes, err := r.valkey.Do(ctx, r.valkey.B().Get().Key(r.key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, autherrors.ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "[Repo.Load] executing get command")
	}

	var record storage.Record
	if err := json.Unmarshal(bytes, &record); err != nil {
		return nil, errors.Wrap(err, "[Repo.Load] decoding session record")
	}
	return &record, nil
}

func (r *Repo) Save(ctx context.Context, record *storage.Record) error {
	if record == nil {
		return errors.New("[Repo.Save] record cannot be nil")
	}
	bytes, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[Repo.Save] encoding session record")
	}
	if err := r.valkey.Do(ctx, r.valkey.B().Set().Key(r.key).Value(valkey.BinaryString(bytes)).Build()).Error(); err != nil {
		return errors.Wrap(err, "[Repo.Save] executing set command")
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context) error {
	if err := r.valkey.Do(ctx, r.valkey.B().Del().Key(r.key).Build()).Error(); err != nil {
		return errors.Wrap(err, "[Repo.Delete] executing del command")
	}
	return nil
}
