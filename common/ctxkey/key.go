package ctxkey

import "github.com/gin-gonic/gin"

const (
	// UserId is the authenticated user id for the current request.
	// Set in: middleware/auth.TokenAuth after the access token is verified.
	// Read in: relay/controller for balance gating and usage attribution.
	UserId = "user_id"

	// AccessToken is the raw credential presented in the x-api-key header.
	// The same string is replayed to the billing service for balance and usage calls.
	// Set in: middleware/auth.TokenAuth.
	// Read in: relay/controller when calling the balance cache and the usage reporter.
	AccessToken = "access_token"

	// RequestModel is the model name parsed from the request body (e.g., "claude-sonnet-4-6").
	// It is only a fallback billing identifier; the upstream-reported model wins when present.
	// Set in: relay/controller after best-effort body parsing.
	// Invariant: never mutate this value; it must always reflect the user's original input.
	RequestModel = "request_model"

	// KeyRequestBody caches the raw request body bytes for reuse (avoid double read).
	// Set in: common/gin.go GetRequestBody.
	// Read in: relay/controller to forward the body verbatim to the upstream.
	KeyRequestBody = gin.BodyBytesKey
)
