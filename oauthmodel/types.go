package oauthmodel

// ResponseShape identifies how a provider delivered credential material on the redirect.
type ResponseShape string

const (
	// CodeShape is the authorization code flow.
	// Redirect: brewmate://auth?code=ABC123&state=xyz
	// Follow up: the code is exchanged at the token endpoint (with the PKCE verifier)
	// for an access/refresh token pair.
	CodeShape ResponseShape = "code"

	// TokenShape is the implicit flow, tokens are carried directly on the redirect.
	// Redirect: brewmate://auth#access_token=T1&refresh_token=T2&expires_in=3600
	// Follow up: none, the pair becomes the session without an exchange round trip.
	// Note: usually delivered in the fragment, some backends put them in the query.
	TokenShape ResponseShape = "token"
)

// Redirect parameter names as defined by RFC 6749 sections 4.1.2 and 4.2.2.
const (
	// ParamCode is the authorization code.
	// Lifespan: short (minutes), single use
	ParamCode = "code"

	// ParamState echoes the opaque value sent on the authorization request.
	// Security: must match the value of the attempt in flight (CSRF protection)
	ParamState = "state"

	// ParamAccessToken is the access token of the implicit shape.
	ParamAccessToken = "access_token"

	// ParamRefreshToken is the refresh token of the implicit shape.
	// Note: plain OAuth implicit flow never returns one, backend-as-a-service
	// providers do.
	ParamRefreshToken = "refresh_token"

	// ParamExpiresIn is the access token lifetime in seconds.
	// Example: 3600
	ParamExpiresIn = "expires_in"

	// ParamError is the error code when the provider refused the request.
	// Example: "access_denied", "server_error"
	ParamError = "error"

	// ParamErrorDescription is a human readable description of ParamError.
	ParamErrorDescription = "error_description"
)

// ErrorAccessDenied is the error code sent when the user declined consent.
const ErrorAccessDenied = "access_denied"

// TokenTypeHint tells a revocation endpoint which kind of token it is given (RFC 7009).
type TokenTypeHint string

const (
	// RefreshTokenHint revokes a refresh token, most providers also revoke the
	// access tokens minted from it.
	RefreshTokenHint TokenTypeHint = "refresh_token"

	// AccessTokenHint revokes a single access token.
	AccessTokenHint TokenTypeHint = "access_token"
)
