package middleware

import (
	"net/http"
	"strconv"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/ctxkey"
	"github.com/songquanpeng/metering-proxy/common/metrics"
)

// AccessClaims is the verified principal extracted from a client bearer token.
type AccessClaims struct {
	UserId string
	Claims jwt.MapClaims
}

// ParseAccessToken verifies the HS256 signature and expiry of a bearer token
// and extracts the user identifier from the first non-empty of the "userId",
// "sub" and "id" claims.
func ParseAccessToken(tokenString string) (*AccessClaims, error) {
	if config.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(config.JWTSecret), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	userId := firstUserIdClaim(claims)
	if userId == "" {
		return nil, errors.New("token carries no user identifier claim")
	}

	return &AccessClaims{UserId: userId, Claims: claims}, nil
}

func firstUserIdClaim(claims jwt.MapClaims) string {
	for _, key := range []string{"userId", "sub", "id"} {
		switch id := claims[key].(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			if id != 0 {
				return strconv.FormatFloat(id, 'f', -1, 64)
			}
		}
	}
	return ""
}

// TokenAuth gates relay routes on a verified bearer token in the x-api-key
// header and stores the principal on the context for the relay controller.
func TokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("x-api-key")
		if credential == "" {
			metrics.GlobalRecorder.RecordTokenAuth(false)
			AbortWithError(c, http.StatusUnauthorized, "Missing x-api-key header")
			return
		}

		claims, err := ParseAccessToken(credential)
		if err != nil {
			metrics.GlobalRecorder.RecordTokenAuth(false)
			AbortWithErrorDetails(c, http.StatusUnauthorized, "Invalid or expired token", err)
			return
		}

		metrics.GlobalRecorder.RecordTokenAuth(true)
		c.Set(ctxkey.UserId, claims.UserId)
		c.Set(ctxkey.AccessToken, credential)
		c.Next()
	}
}
