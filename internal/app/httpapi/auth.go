package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

const tokenIssuer = "coinjoin"

var (
	errMissingToken = errors.New("missing authorization")
	errInvalidToken = errors.New("invalid token")
)

type ctxKey int

const ctxSubjectKey ctxKey = iota

// IssueToken signs an HS256 bearer token whose subject is the caller address.
func IssueToken(secret []byte, subject domain.Address, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if subject.IsZero() {
		return "", errors.New("token subject is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject.String(),
		Issuer:   tokenIssuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, raw string) (domain.Address, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return domain.Address(claims.Subject), nil
}

// authenticate resolves the bearer token subject and stores it in the request
// context. Requests without a valid token are rejected with 401.
func (h *handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, errMissingToken)
			return
		}
		subject, err := parseToken(h.opts.JWTSecret, strings.TrimSpace(header[len("Bearer "):]))
		if err != nil {
			h.log.WithError(err).Debug("rejected bearer token")
			writeError(w, http.StatusUnauthorized, errInvalidToken)
			return
		}
		next(w, r.WithContext(withSubject(r.Context(), subject)))
	}
}

func withSubject(ctx context.Context, subject domain.Address) context.Context {
	return context.WithValue(ctx, ctxSubjectKey, subject)
}

func subjectFrom(ctx context.Context) domain.Address {
	subject, _ := ctx.Value(ctxSubjectKey).(domain.Address)
	return subject
}
