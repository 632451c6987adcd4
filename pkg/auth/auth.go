package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xhad/docchat/internal/types"
)

// JWT verifies HS256 bearer tokens and reads the user id from the subject.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (a *JWT) Verify(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", types.ErrUnauthenticated
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrUnauthenticated, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: token has no subject", types.ErrUnauthenticated)
	}
	return subject, nil
}

// Sign issues a token for userID. Used by the CLI and tests.
func (a *JWT) Sign(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID})
	return token.SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Header trusts a user id set by an upstream proxy.
type Header struct {
	name string
}

func NewHeader(name string) *Header {
	if name == "" {
		name = "X-User-ID"
	}
	return &Header{name: name}
}

func (a *Header) Verify(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(a.name))
	if userID == "" {
		return "", types.ErrUnauthenticated
	}
	return userID, nil
}
