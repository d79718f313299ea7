package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"guardflow/crypto"
	"guardflow/observability/logging"
)

// PrincipalHeader carries the caller address when no HMAC secret is
// configured. It is only honoured in that mode.
const PrincipalHeader = "X-Principal"

var (
	ErrMissingToken     = errors.New("rpc: missing bearer token")
	ErrInvalidToken     = errors.New("rpc: invalid token")
	ErrMissingPrincipal = errors.New("rpc: principal not supplied")
)

type principalKey struct{}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	HMACSecret []byte
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator resolves the principal of a request. With a secret it
// requires an HS256 bearer token whose subject is the caller address. Without
// one it trusts the X-Principal header, which is only suitable for local use.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// Enabled reports whether bearer tokens are required.
func (a *Authenticator) Enabled() bool { return len(a.cfg.HMACSecret) > 0 }

// Middleware stores the resolved principal in the request context. Requests
// without a valid identity are rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r)
		if err != nil {
			a.logger.Warn("rpc: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("authorization", logging.MaskAuthorization(r.Header.Get("Authorization"))),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Authenticate resolves the caller address for r.
func (a *Authenticator) Authenticate(r *http.Request) ([20]byte, error) {
	if !a.Enabled() {
		raw := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if raw == "" {
			return [20]byte{}, ErrMissingPrincipal
		}
		return crypto.ParseAddress(raw)
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return [20]byte{}, ErrMissingToken
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return [20]byte{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	addr, err := crypto.ParseAddress(sub)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return addr, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.cfg.HMACSecret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return errors.New("audience missing")
		}
		for _, candidate := range aud {
			if candidate == audience {
				return nil
			}
		}
		return errors.New("audience mismatch")
	}
	return nil
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// WithPrincipal returns a context carrying the caller address.
func WithPrincipal(ctx context.Context, principal [20]byte) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom extracts the caller address stored by the authenticator.
func PrincipalFrom(ctx context.Context) ([20]byte, bool) {
	principal, ok := ctx.Value(principalKey{}).([20]byte)
	return principal, ok
}
