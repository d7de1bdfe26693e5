// Package auth decides which callers may talk to the relay.
//
// There are three independent trust classes: the door controller itself,
// API callers allowed to open the door, and the single caller allowed to
// push firmware. None of them share credentials.
package auth

import (
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized request")

type Options struct {
	DeviceToken string
	APITokens   []string
	UpdateToken string
	// JWTPublicKey, when set, additionally admits homenavi RS256 access
	// tokens as API callers.
	JWTPublicKey *rsa.PublicKey
}

type Guard struct {
	deviceToken string
	apiTokens   []string
	updateToken string
	jwtKey      *rsa.PublicKey
}

func NewGuard(opts Options) *Guard {
	tokens := make([]string, 0, len(opts.APITokens))
	seen := map[string]struct{}{}
	for _, t := range opts.APITokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	return &Guard{
		deviceToken: strings.TrimSpace(opts.DeviceToken),
		apiTokens:   tokens,
		updateToken: strings.TrimSpace(opts.UpdateToken),
		jwtKey:      opts.JWTPublicKey,
	}
}

func (g *Guard) DeviceAuthorized(token string) bool {
	return equal(token, g.deviceToken)
}

func (g *Guard) APICallerAuthorized(token string) bool {
	if token == "" {
		return false
	}
	// Walk the whole list so timing does not reveal the matching position.
	ok := false
	for _, t := range g.apiTokens {
		if equal(token, t) {
			ok = true
		}
	}
	if ok {
		return true
	}
	return g.validJWT(token)
}

// UpdateCallerAuthorized always fails when no update token is configured.
func (g *Guard) UpdateCallerAuthorized(token string) bool {
	return equal(token, g.updateToken)
}

func (g *Guard) UpdateEnabled() bool { return g.updateToken != "" }

func (g *Guard) validJWT(tokenStr string) bool {
	if g.jwtKey == nil || strings.Count(tokenStr, ".") != 2 {
		return false
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return g.jwtKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	return err == nil && token.Valid
}

func equal(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// TokenFromRequest returns the Authorization header value. Devices send the
// bare token; a "Bearer " prefix is accepted and stripped.
func TokenFromRequest(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// RequireAPICaller rejects requests without an allowed API token.
func (g *Guard) RequireAPICaller(next http.Handler) http.Handler {
	return g.require(g.APICallerAuthorized, next)
}

// RequireUpdateCaller rejects requests without the firmware update token.
func (g *Guard) RequireUpdateCaller(next http.Handler) http.Handler {
	return g.require(g.UpdateCallerAuthorized, next)
}

func (g *Guard) require(check func(string) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !check(TokenFromRequest(r)) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeUnauthorized is kept local so httpapi can depend on this package.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"Unauthorized request."}`))
}

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParseRSAPublicKey(b)
}

func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
