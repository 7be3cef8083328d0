package authflow

import (
	"errors"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
)

var errEmptyState = errors.New("state cannot be empty")

// InMemoryRepo keeps started flows in a map. Flows go in and come out as copies, so a
// caller holding one cannot change what a later Consume sees.
type InMemoryRepo struct {
	mu    sync.Mutex
	flows map[string]AuthFlowState
}

var _ Repo = (*InMemoryRepo)(nil)

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{flows: make(map[string]AuthFlowState)}
}

func (r *InMemoryRepo) Upsert(state string, authState *AuthFlowState) error {
	if state == "" {
		return errEmptyState
	}
	if authState == nil {
		return errors.New("authState cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[state] = *authState
	return nil
}

// Get looks a flow up without redeeming it.
func (r *InMemoryRepo) Get(state string) (*AuthFlowState, error) {
	return r.lookup(state, false)
}

// Consume redeems a flow. A second Consume of the same state gets ErrAuthFlowNotFound.
func (r *InMemoryRepo) Consume(state string) (*AuthFlowState, error) {
	return r.lookup(state, true)
}

func (r *InMemoryRepo) lookup(state string, remove bool) (*AuthFlowState, error) {
	if state == "" {
		return nil, errEmptyState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[state]
	if !ok {
		return nil, autherrors.ErrAuthFlowNotFound
	}
	if remove {
		delete(r.flows, state)
	}
	return &flow, nil
}

func (r *InMemoryRepo) Delete(state string) error {
	if state == "" {
		return errEmptyState
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, state)
	return nil
}

// DeleteExpired sweeps flows abandoned before cutoff, such as consent screens the user
// never finished.
func (r *InMemoryRepo) DeleteExpired(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for state, flow := range r.flows {
		if flow.CreatedAt.Before(cutoff) {
			delete(r.flows, state)
			removed++
		}
	}
	return removed
}
