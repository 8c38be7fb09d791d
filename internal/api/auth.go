package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"
)

type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

// authorizer checks bearer tokens from ABUELA_API_TOKENS, formatted as
// "token:scope|scope,token2:scope". With no tokens configured every request
// is allowed, which suits the default loopback listener.
type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

func newAuthorizerFromEnv() *authorizer {
	return newAuthorizer(strings.TrimSpace(os.Getenv("ABUELA_API_TOKENS")))
}

func newAuthorizer(raw string) *authorizer {
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		token, scopeRaw, ok := strings.Cut(strings.TrimSpace(entry), ":")
		token, scopeRaw = strings.TrimSpace(token), strings.TrimSpace(scopeRaw)
		if !ok || token == "" || scopeRaw == "" {
			continue
		}
		scopes := make(map[string]struct{})
		for _, s := range strings.Split(scopeRaw, "|") {
			if s = strings.TrimSpace(s); s != "" {
				scopes[s] = struct{}{}
			}
		}
		if len(scopes) == 0 {
			continue
		}
		tokens[token] = principal{id: tokenID(token), scopes: scopes}
	}
	return &authorizer{enabled: len(tokens) > 0, tokens: tokens}
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	if !a.enabled {
		return principal{id: "anonymous", scopes: map[string]struct{}{}}, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	if len(requiredAny) == 0 {
		return p, http.StatusOK, ""
	}
	for _, scope := range requiredAny {
		if p.hasScope(scope) {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Abuela-Token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}
