package main

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/golang-jwt/jwt/v5"

	cfg "github.com/songquanpeng/metering-proxy/common/config"
)

const (
	defaultAPIBase   = "http://localhost:3000"
	defaultMaxTokens = 64
	requestTimeout   = 120 * time.Second
)

// harnessConfig captures the configuration derived from environment variables.
type harnessConfig struct {
	APIBase     string
	Token       string
	Model       string
	Requests    int
	Concurrency int
	MaxTokens   int
}

// loadConfig constructs the harness configuration from the shared config
// package. A ready-made API_TOKEN wins; otherwise a short-lived token is
// minted from JWT_SECRET, the same way the proxy's own callers get theirs.
func loadConfig() (harnessConfig, error) {
	base := strings.TrimSpace(cfg.SmokeTestAPIBase)
	if base == "" {
		base = defaultAPIBase
	}

	token := strings.TrimSpace(cfg.SmokeTestToken)
	if token == "" {
		var err error
		token, err = mintToken(cfg.JWTSecret, "smoke-test-user", time.Hour)
		if err != nil {
			return harnessConfig{}, errors.Wrap(err, "mint token")
		}
	}

	requests := cfg.SmokeTestRequests
	if requests <= 0 {
		requests = 1
	}
	concurrency := cfg.SmokeTestConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return harnessConfig{
		APIBase:     strings.TrimSuffix(base, "/"),
		Token:       token,
		Model:       cfg.SmokeTestModel,
		Requests:    requests,
		Concurrency: concurrency,
		MaxTokens:   defaultMaxTokens,
	}, nil
}

// mintToken signs a short-lived HS256 token that passes the proxy's auth gate.
func mintToken(secret, userId string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("API_TOKEN or JWT_SECRET must be set")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userId,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}

	return signed, nil
}
