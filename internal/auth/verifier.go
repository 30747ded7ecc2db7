package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// RS256 configuration
	PublicKeyPEM string
	JWKSURL      string

	// HS256 configuration
	SecretKey string

	// "RS256" or "HS256"
	Algorithm string

	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a JSON Web Key Set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKSCacheEntry is a cached JWKS key with its fetch time.
type JWKSCacheEntry struct {
	Key       *rsa.PublicKey
	Timestamp time.Time
}

// Verifier handles JWT token verification.
type Verifier struct {
	config     VerifierConfig
	publicKey  *rsa.PublicKey
	jwksCache  map[string]*JWKSCacheEntry
	jwksMutex  sync.RWMutex
	fetchMutex sync.Mutex
	lastFetch  time.Time
	httpClient *http.Client
}

// NewVerifier creates a new JWT verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.JWKSRefreshInterval <= 0 {
		config.JWKSRefreshInterval = 5 * time.Minute
	}
	if config.JWKSCacheTimeout <= 0 {
		config.JWKSCacheTimeout = time.Hour
	}

	v := &Verifier{
		config:    config,
		jwksCache: make(map[string]*JWKSCacheEntry),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	switch config.Algorithm {
	case "RS256":
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
		if config.PublicKeyPEM != "" {
			if err := v.loadPublicKeyFromPEM(config.PublicKeyPEM); err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
		}
		if config.JWKSURL != "" {
			if err := v.fetchJWKS(); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	return v, nil
}

// VerifyToken verifies a JWT token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return extractClaimsFromMap(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.config.Algorithm == "HS256" {
		return []byte(v.config.SecretKey), nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		if v.publicKey == nil {
			return nil, fmt.Errorf("no public key available")
		}
		return v.publicKey, nil
	}

	key, err := v.getKeyFromJWKS(kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key from JWKS: %w", err)
	}
	return key, nil
}

// extractClaimsFromMap extracts and validates claims.
func extractClaimsFromMap(claims *jwt.MapClaims) (*Claims, error) {
	sub, ok := (*claims)["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	roles, err := extractStringSlice(claims, "roles")
	if err != nil {
		return nil, fmt.Errorf("missing or invalid 'roles' claim: %w", err)
	}

	scopes, err := extractStringSlice(claims, "scopes")
	if err != nil {
		return nil, fmt.Errorf("missing or invalid 'scopes' claim: %w", err)
	}

	if !validateRoles(roles) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}

	if !validateScopes(scopes) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}

	return &Claims{
		Subject: sub,
		Roles:   roles,
		Scopes:  scopes,
	}, nil
}

// extractStringSlice extracts a string slice from claims.
func extractStringSlice(claims *jwt.MapClaims, key string) ([]string, error) {
	value, ok := (*claims)[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}

	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

func validateRoles(roles []string) bool {
	for _, role := range roles {
		if role != RoleClinician && role != RolePatient {
			return false
		}
	}
	return len(roles) > 0
}

func validateScopes(scopes []string) bool {
	valid := map[string]bool{
		ScopeRead:      true,
		ScopeControl:   true,
		ScopeTelemetry: true,
		ScopePlan:      true,
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return false
		}
	}
	return len(scopes) > 0
}

// loadPublicKeyFromPEM loads a public key from PEM format.
func (v *Verifier) loadPublicKeyFromPEM(pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}

	v.publicKey = rsaPub
	return nil
}

// fetchJWKS fetches the key set and replaces the cache entries it contains.
func (v *Verifier) fetchJWKS() error {
	resp, err := v.httpClient.Get(v.config.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks JWKSet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	v.jwksMutex.Lock()
	defer v.jwksMutex.Unlock()

	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || (key.Use != "" && key.Use != "sig") || (key.Alg != "" && key.Alg != "RS256") {
			continue
		}
		pubKey, err := jwkToRSAPublicKey(key)
		if err != nil {
			continue
		}
		v.jwksCache[key.Kid] = &JWKSCacheEntry{Key: pubKey, Timestamp: now}
	}
	v.lastFetch = now
	return nil
}

// getKeyFromJWKS returns a cached key, refetching the set at most once per
// refresh interval when the key is unknown or stale.
func (v *Verifier) getKeyFromJWKS(kid string) (*rsa.PublicKey, error) {
	v.jwksMutex.RLock()
	entry, exists := v.jwksCache[kid]
	lastFetch := v.lastFetch
	v.jwksMutex.RUnlock()

	if exists && time.Since(entry.Timestamp) < v.config.JWKSCacheTimeout {
		return entry.Key, nil
	}

	if v.config.JWKSURL == "" || time.Since(lastFetch) < v.config.JWKSRefreshInterval {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	v.fetchMutex.Lock()
	v.jwksMutex.RLock()
	stale := v.lastFetch.Equal(lastFetch)
	v.jwksMutex.RUnlock()
	var err error
	if stale {
		err = v.fetchJWKS()
	}
	v.fetchMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}

	v.jwksMutex.RLock()
	entry, exists = v.jwksCache[kid]
	v.jwksMutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return entry.Key, nil
}

// jwkToRSAPublicKey converts a JWK to an RSA public key.
func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	e, err := base64URLDecode(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("invalid exponent length %d", len(e))
	}

	var exp int
	for _, b := range e {
		exp = exp<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: exp,
	}, nil
}

// base64URLDecode decodes base64url data with or without padding.
func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
