package idp

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/chatidp/internal/storage"
)

// mintIDToken signs an HS256 id_token for a granted openid scope.
func (s *Server) mintIDToken(clientID string, user storage.BoundUser, scope string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":          strings.TrimRight(s.config.Issuer, "/"),
		"sub":          user.Subject,
		"aud":          clientID,
		"iat":          now.Unix(),
		"exp":          now.Add(s.config.AccessTokenTTL).Unix(),
		"chat_user_id": user.ChatUserID,
	}
	for _, claim := range strings.Fields(scope) {
		switch claim {
		case "email":
			if user.Email != "" {
				claims["email"] = user.Email
			}
		case "profile":
			if user.Username != "" {
				claims["preferred_username"] = user.Username
			}
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

func scopeContains(scope, want string) bool {
	for _, value := range strings.Fields(scope) {
		if value == want {
			return true
		}
	}
	return false
}
