// Package oidctest runs an in-process OpenID provider for tests. It serves discovery,
// JWKS, token, userinfo and revocation endpoints and signs its tokens with RS256.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ClientID     = "brewmate-test"
	ClientSecret = "brewmate-secret"
	keyID        = "test-key"
)

type grant struct {
	challenge string
	nonce     string
}

type user struct {
	Subject string
	Email   string
	Name    string
}

// Server is a fake identity provider. Zero value fields fall back to sensible defaults;
// change them with the setters while the server runs.
type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu               sync.Mutex
	user             user
	accessTTL        time.Duration
	omitExpiresIn    bool
	omitIDToken      bool
	revocation       bool
	rotateRefresh    bool
	failRefresh      bool
	grants           map[string]grant
	refreshTokens    map[string]bool
	accessTokens     map[string]bool
	revoked          []string
	tokenRequests    int
	discoveryFetches int
}

func NewServer(t *testing.T) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating signing key: %v", err)
	}

	s := &Server{
		key:           key,
		user:          user{Subject: "user-1", Email: "brewer@example.com", Name: "Brew Master"},
		accessTTL:     time.Hour,
		revocation:    true,
		rotateRefresh: true,
		grants:        make(map[string]grant),
		refreshTokens: make(map[string]bool),
		accessTokens:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /jwks", s.handleJWKS)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /userinfo", s.handleUserInfo)
	mux.HandleFunc("POST /revoke", s.handleRevoke)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Issuer() string {
	return s.URL
}

func (s *Server) SetAccessTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = ttl
}

// OmitExpiresIn drops expires_in from token responses, leaving only the JWT exp claim.
func (s *Server) OmitExpiresIn(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitExpiresIn = omit
}

func (s *Server) OmitIDToken(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = omit
}

// DisableRevocation stops advertising revocation_endpoint in discovery.
func (s *Server) DisableRevocation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revocation = false
}

func (s *Server) KeepRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = false
}

// FailRefresh makes every refresh_token grant fail with invalid_grant.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

func (s *Server) DiscoveryFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoveryFetches
}

// Approve plays the user consenting on authURL. It returns the authorization code the
// provider would redirect back with, bound to the request's PKCE challenge and nonce.
func (s *Server) Approve(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	if q.Get("client_id") != ClientID {
		return "", "", fmt.Errorf("unexpected client_id %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		return "", "", fmt.Errorf("unexpected code_challenge_method %q", q.Get("code_challenge_method"))
	}

	code = uuid.NewString()
	s.mu.Lock()
	s.grants[code] = grant{challenge: q.Get("code_challenge"), nonce: q.Get("nonce")}
	s.mu.Unlock()
	return code, q.Get("state"), nil
}

// IssueRefreshToken registers a refresh token the token endpoint will accept.
func (s *Server) IssueRefreshToken() string {
	rt := "rt-" + uuid.NewString()
	s.mu.Lock()
	s.refreshTokens[rt] = true
	s.mu.Unlock()
	return rt
}

// AccessToken mints a signed access token expiring at exp.
func (s *Server) AccessToken(exp time.Time) string {
	token, err := s.sign(jwt.MapClaims{
		"iss": s.URL,
		"sub": s.user.Subject,
		"aud": ClientID,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	})
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.accessTokens[token] = true
	s.mu.Unlock()
	return token
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.discoveryFetches++
	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"jwks_uri":                              s.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if s.revocation {
		doc["revocation_endpoint"] = s.URL + "/revoke"
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": keyID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != ClientID || secret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	s.mu.Lock()
	s.tokenRequests++
	s.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r.PostForm.Get("code"), r.PostForm.Get("code_verifier"))
	case "refresh_token":
		s.refresh(w, r.PostForm.Get("refresh_token"))
	default:
		oauthError(w, "unsupported_grant_type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, code, verifier string) {
	s.mu.Lock()
	g, ok := s.grants[code]
	delete(s.grants, code)
	s.mu.Unlock()

	if !ok {
		oauthError(w, "invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		oauthError(w, "invalid_grant")
		return
	}
	s.issueTokens(w, g.nonce, "")
}

func (s *Server) refresh(w http.ResponseWriter, refreshToken string) {
	s.mu.Lock()
	known := s.refreshTokens[refreshToken]
	fail := s.failRefresh
	rotate := s.rotateRefresh
	if known && rotate {
		delete(s.refreshTokens, refreshToken)
	}
	s.mu.Unlock()

	if !known || fail {
		oauthError(w, "invalid_grant")
		return
	}
	keep := ""
	if !rotate {
		keep = refreshToken
	}
	s.issueTokens(w, "", keep)
}

// issueTokens answers a token request. A non-empty keepRefresh means the client keeps
// its refresh token and none is returned.
func (s *Server) issueTokens(w http.ResponseWriter, nonce, keepRefresh string) {
	s.mu.Lock()
	ttl, omitExpiresIn, omitIDToken := s.accessTTL, s.omitExpiresIn, s.omitIDToken
	s.mu.Unlock()

	now := time.Now()
	resp := map[string]any{
		"access_token": s.AccessToken(now.Add(ttl)),
		"token_type":   "Bearer",
	}
	if keepRefresh == "" {
		resp["refresh_token"] = s.IssueRefreshToken()
	}
	if !omitExpiresIn {
		resp["expires_in"] = int(ttl.Seconds())
	}
	if !omitIDToken {
		claims := jwt.MapClaims{
			"iss":   s.URL,
			"sub":   s.user.Subject,
			"aud":   ClientID,
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"email": s.user.Email,
			"name":  s.user.Name,
		}
		if nonce != "" {
			claims["nonce"] = nonce
		}
		idToken, err := s.sign(claims)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	known := s.accessTokens[auth[len(prefix):]]
	u := s.user
	s.mu.Unlock()
	if !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            u.Subject,
		"email":          u.Email,
		"email_verified": true,
		"name":           u.Name,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}
	token := r.PostForm.Get("token")
	s.mu.Lock()
	s.revoked = append(s.revoked, token)
	delete(s.refreshTokens, token)
	delete(s.accessTokens, token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	return token.SignedString(s.key)
}

func oauthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
