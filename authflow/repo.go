package authflow

import "time"

// AuthFlowState is what a started authorization flow needs to finish: the PKCE verifier
// for the code exchange and the nonce the ID token must carry.
type AuthFlowState struct {
	Provider     string
	CodeVerifier string
	Nonce        string
	CreatedAt    time.Time
}

// Repo stores started flows keyed by their OAuth state parameter. A flow is redeemed
// with Consume, which hands it out at most once.
type Repo interface {
	Upsert(state string, authState *AuthFlowState) error
	Get(state string) (*AuthFlowState, error)
	// Consume returns the flow for state and removes it in the same step, so two
	// redirects echoing one state cannot both redeem it.
	Consume(state string) (*AuthFlowState, error)
	Delete(state string) error
	// DeleteExpired removes flows created before cutoff and returns how many went.
	DeleteExpired(cutoff time.Time) int
}
