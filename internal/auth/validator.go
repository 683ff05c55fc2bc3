// Package auth implements the Token validator boundary collaborator: it turns
// a bearer token into an identity the gateway can trust.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/logging"
)

// Identity is the result of a successful token verification.
type Identity struct {
	UserID    string
	Tier      string
	OrgID     string
	ExpiresAt time.Time
}

// Validator is the interface the gateway depends on; ConnectionGateway never
// sees a concrete JWT/JWKS type.
type Validator interface {
	Verify(tokenString string) (Identity, error)
}

// TokenClaims are the custom JWT claims the service expects beyond the
// registered set.
type TokenClaims struct {
	Tier  string `json:"tier"`
	OrgID string `json:"org"`
	jwt.RegisteredClaims
}

// JWKSValidator validates bearer tokens against a remote JWKS endpoint, with
// the keyset cached and refreshed in the background.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewJWKSValidator constructs a Validator backed by the JWKS document published
// at https://{domain}/.well-known/jwks.json. It performs one synchronous
// refresh so configuration errors surface at startup rather than on the first
// request.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch initial jwks: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("decode raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: []string{audience},
	}, nil
}

// Verify parses and validates tokenString, returning the caller's identity.
func (v *JWKSValidator) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return Identity{}, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok {
		return Identity{}, errors.New("unexpected claims type")
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Identity{
		UserID:    claims.Subject,
		Tier:      claims.Tier,
		OrgID:     claims.OrgID,
		ExpiresAt: expiresAt,
	}, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated list of allowed CORS
// origins, falling back to defaultEnvs (and logging a warning) when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s not set, using default origins", envVarName), zap.Strings("defaults", defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// DevValidator accepts any token and extracts identity from its unsigned JWT
// payload. It exists only for local development (SKIP_AUTH=true) and must
// never be wired in production.
type DevValidator struct{}

func (d *DevValidator) Verify(tokenString string) (Identity, error) {
	var subject, tier, orgID string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if t, ok := claims["tier"].(string); ok {
					tier = t
				}
				if o, ok := claims["org"].(string); ok {
					orgID = o
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user"
	}
	if tier == "" {
		tier = "free"
	}

	return Identity{UserID: subject, Tier: tier, OrgID: orgID, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}
