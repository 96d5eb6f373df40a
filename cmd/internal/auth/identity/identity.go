// Package identity verifies the identity token presented in the realtime handshake.
//
// Tokens are HS256 JWTs whose subject is the user id. Issuing tokens belongs to the account
// service; Issuer exists for tests and the smoke tool.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hirewire/cmd/identity/ids"
)

// MinSecretBytes is the shortest HMAC secret accepted by NewVerifier / NewIssuer.
const MinSecretBytes = 32

var (
	// ErrInvalidToken is returned for any token that fails parsing or validation.
	// The cause is deliberately not exposed to clients.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for an unusable configuration.
	ErrConfig = errors.New("invalid identity config")
)

// Config defines token verification parameters.
type Config struct {
	// Secret is the shared HS256 key.
	Secret []byte

	// Issuer, when set, must match the "iss" claim.
	Issuer string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration

	// TTL is the lifetime of tokens minted by Issuer.
	TTL time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Claims is the token body. A non-empty Role pins the realtime handshake role.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates identity tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a Verifier. The secret must be at least MinSecretBytes long.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) < MinSecretBytes {
		return nil, ErrConfig
	}
	if cfg.Leeway < 0 {
		return nil, ErrConfig
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &Verifier{
		secret: append([]byte(nil), cfg.Secret...),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify returns the user id carried by token.
func (v *Verifier) Verify(token string) (string, error) {
	c, err := v.Claims(token)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

// Claims parses and validates token, returning its claims.
func (v *Verifier) Claims(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	var c Claims
	parsed, err := v.parser.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if !ids.ValidIdentity(c.Subject) {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// Issuer mints tokens accepted by a Verifier built from the same Config.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer builds an Issuer. TTL defaults to one hour.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretBytes {
		return nil, ErrConfig
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: append([]byte(nil), cfg.Secret...), issuer: cfg.Issuer, ttl: ttl}, nil
}

// Issue signs a token for userID valid from now for the configured TTL.
func (i *Issuer) Issue(userID, role string, now time.Time) (string, time.Time, error) {
	if !ids.ValidIdentity(userID) {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(i.ttl)
	c := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.Next(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
