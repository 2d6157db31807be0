package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingToken = errors.New("identity: bearer token is missing")
	ErrInvalidToken = errors.New("identity: invalid token")
)

// Identity is a verified caller.
type Identity struct {
	Email string
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the verified caller stored by the middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.Email != ""
}

// EmailFromContext returns the caller email or "" for anonymous requests.
func EmailFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Email
}

// Verifier validates HMAC signed access tokens whose subject is the account email.
type Verifier struct {
	secret []byte
	alg    string
	parser *jwt.Parser
}

func NewVerifier(secret, alg string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("identity: jwt secret is required")
	}
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("identity: unsupported jwt algorithm %q", alg)
	}
	return &Verifier{
		secret: []byte(secret),
		alg:    alg,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{alg})),
	}, nil
}

func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	email := strings.TrimSpace(claims.Subject)
	if email == "" {
		return Identity{}, fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	return Identity{Email: email}, nil
}

// Optional attaches the caller identity when a valid bearer token is present.
// Requests without a token, or with a bad one, continue anonymously.
func (v *Verifier) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		id, err := v.Verify(token)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("identity: ignoring invalid bearer token")
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
