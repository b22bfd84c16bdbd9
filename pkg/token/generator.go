// Package token mints ES256 bearer tokens for the App Store Connect API
// and caches them for reuse within their validity.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrTokenGeneration is the kind of every token failure
var ErrTokenGeneration = errors.New("token generation failed")

const (
	// Audience is the aud claim App Store Connect expects
	Audience = "appstoreconnect-v1"

	// DefaultTTL is how long an issued token stays valid
	DefaultTTL = 20 * time.Minute

	// DefaultCacheWindow is how long a token is served from the cache
	DefaultCacheWindow = 15 * time.Minute
)

// Config identifies the API key tokens are issued for
type Config struct {
	IssuerID string
	KeyID    string

	// PrivateKey is the .p8 content; PrivateKeyPath is read when it is empty
	PrivateKey     string
	PrivateKeyPath string

	TTL         time.Duration
	CacheWindow time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// BearerToken is a signed JWT with its timing
type BearerToken struct {
	Value         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	CacheDeadline time.Time
}

// Generator issues tokens and keeps the most recent one
type Generator struct {
	issuerID    string
	keyID       string
	scalar      []byte
	ttl         time.Duration
	cacheWindow time.Duration
	now         func() time.Time
	method      *es256Method
	logger      zerolog.Logger

	mu     sync.Mutex
	cached *BearerToken
	sf     singleflight.Group
}

// NewGenerator validates cfg and parses the private key. A nil provider
// selects ECDSAProvider.
func NewGenerator(cfg Config, provider Provider, logger zerolog.Logger) (*Generator, error) {
	if cfg.IssuerID == "" {
		return nil, fmt.Errorf("%w: issuer id is required", ErrTokenGeneration)
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: key id is required", ErrTokenGeneration)
	}

	material := cfg.PrivateKey
	if material == "" && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read private key: %v", ErrTokenGeneration, err)
		}
		material = string(data)
	}
	if material == "" {
		return nil, fmt.Errorf("%w: private key is required", ErrTokenGeneration)
	}
	scalar, err := ParsePrivateKey(material)
	if err != nil {
		return nil, err
	}

	if provider == nil {
		provider = ECDSAProvider{}
	}
	g := &Generator{
		issuerID:    cfg.IssuerID,
		keyID:       cfg.KeyID,
		scalar:      scalar,
		ttl:         cfg.TTL,
		cacheWindow: cfg.CacheWindow,
		now:         cfg.Now,
		method:      &es256Method{provider: provider},
		logger:      logger.With().Str("component", "token").Str("key_id", cfg.KeyID).Logger(),
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.cacheWindow <= 0 || g.cacheWindow > g.ttl {
		g.cacheWindow = min(DefaultCacheWindow, g.ttl)
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Generate signs a new token and makes it the cached one
func (g *Generator) Generate(ctx context.Context) (*BearerToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issued := g.now().Truncate(time.Second)
	expires := issued.Add(g.ttl)

	t := jwt.NewWithClaims(g.method, jwt.MapClaims{
		"iss": g.issuerID,
		"iat": issued.Unix(),
		"exp": expires.Unix(),
		"aud": Audience,
	})
	t.Header["kid"] = g.keyID

	value, err := t.SignedString(g.scalar)
	if err != nil {
		if errors.Is(err, ErrTokenGeneration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	tok := &BearerToken{
		Value:         value,
		IssuedAt:      issued,
		ExpiresAt:     expires,
		CacheDeadline: issued.Add(g.cacheWindow),
	}

	g.mu.Lock()
	g.cached = tok
	g.mu.Unlock()

	g.logger.Debug().Time("expires_at", expires).Msg("issued bearer token")
	return tok, nil
}

// Token returns the cached token while its cache deadline has not passed,
// otherwise a new one. Concurrent callers share a single regeneration.
func (g *Generator) Token(ctx context.Context) (*BearerToken, error) {
	if tok := g.fresh(); tok != nil {
		return tok, nil
	}
	v, err, _ := g.sf.Do("token", func() (interface{}, error) {
		if tok := g.fresh(); tok != nil {
			return tok, nil
		}
		return g.Generate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*BearerToken), nil
}

func (g *Generator) fresh() *BearerToken {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached != nil && g.now().Before(g.cached.CacheDeadline) {
		return g.cached
	}
	return nil
}

// Invalidate drops the cached token
func (g *Generator) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}

// TokenSource adapts the generator to oauth2. Tokens report the cache
// deadline as expiry so oauth2 asks again once the cache window closes.
func (g *Generator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, g: g}
}

// HTTPClient returns a client that sends "Authorization: Bearer <token>"
func (g *Generator) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, g.TokenSource(ctx))
}

type tokenSource struct {
	ctx context.Context
	g   *Generator
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.g.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		Expiry:      tok.CacheDeadline,
	}, nil
}

// es256Method is a jwt.SigningMethod that signs through a Provider and
// converts its DER output to the JWS form. It is not registered globally;
// parsed tokens verify with jwt.SigningMethodES256.
type es256Method struct {
	provider Provider
}

func (m *es256Method) Alg() string { return jwt.SigningMethodES256.Alg() }

// Sign expects the private scalar as key
func (m *es256Method) Sign(signingString string, key any) ([]byte, error) {
	scalar, ok := key.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: expected private scalar, got %T", ErrTokenGeneration, key)
	}
	der, err := m.provider.SignES256(scalar, []byte(signingString))
	if err != nil {
		return nil, fmt.Errorf("%w: provider signing failed: %v", ErrTokenGeneration, err)
	}
	sig := DERToP1363(der)
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes after conversion, want %d", ErrTokenGeneration, len(sig), SignatureSize)
	}
	return sig, nil
}

func (m *es256Method) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodES256.Verify(signingString, sig, key)
}
