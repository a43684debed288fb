package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	"github.com/fatflowers/tokenbill/pkg/logctx"
	"github.com/fatflowers/tokenbill/pkg/response"
)

// ActorHeader names the caller when no JWT secret is configured.
const ActorHeader = "X-Actor"

// ActorMiddleware resolves who is calling and stores it with logctx.WithActor.
// With a secret, callers must send an HS256 bearer token and the actor is its
// sub claim. Without one, the X-Actor header is trusted as is.
func ActorMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var actor string
		if secret == "" {
			actor = strings.TrimSpace(c.GetHeader(ActorHeader))
		} else {
			var err error
			if actor, err = actorFromBearer(c.GetHeader("Authorization"), []byte(secret)); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, err.Error()))
				return
			}
		}
		if actor != "" {
			c.Set(string(logctx.ActorKey), actor)
			c.Request = c.Request.WithContext(logctx.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func actorFromBearer(header string, secret []byte) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	claims := &jwt.StandardClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}
