// Package secrets resolves credential references such as "env:TOKEN",
// "file:/run/secrets/key" or "aws:prod/deploy#password" at execution time.
package secrets

import (
	"ciengine/internal/apperrors"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ErrSecretNotFound is returned by providers for unknown keys.
var ErrSecretNotFound = errors.New("secret not found")

// Mask replaces secret values in redacted output.
const Mask = "***"

// Provider resolves the part of a reference after "scheme:".
type Provider interface {
	Name() string
	Resolve(ctx context.Context, key string) (string, error)
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewResolver registers providers under their names.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider, len(providers)),
		logger:    slog.With("component", "secrets"),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Schemes returns the registered schemes, sorted.
func (r *Resolver) Schemes() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseRef splits a reference into scheme and key.
func ParseRef(ref string) (scheme, key string, err error) {
	scheme, key, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || key == "" {
		return "", "", apperrors.Validation("secret", fmt.Sprintf("invalid secret reference %q, want scheme:key", ref))
	}
	return scheme, key, nil
}

// Resolve returns the value behind ref. Errors never carry the value.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", apperrors.Validation("secret", fmt.Sprintf("unknown secret provider %q", scheme))
	}
	value, err := p.Resolve(ctx, key)
	if errors.Is(err, ErrSecretNotFound) {
		return "", apperrors.NotFound("secret", ref)
	}
	if err != nil {
		r.logger.Warn("Failed to resolve secret", "ref", ref, "error", err)
		return "", apperrors.Internal("resolve secret "+ref, err)
	}
	return value, nil
}

// Scope resolves secrets for one run and remembers every value it handed
// out, so the run's logs can be redacted.
type Scope struct {
	resolver *Resolver

	mu     sync.RWMutex
	values []string
}

// NewScope creates a scope backed by r.
func NewScope(r *Resolver) *Scope {
	return &Scope{resolver: r}
}

// Resolve resolves ref and records the value for redaction.
func (s *Scope) Resolve(ctx context.Context, ref string) (string, error) {
	value, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	s.remember(value)
	return value, nil
}

func (s *Scope) remember(value string) {
	if value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.values, value) {
		return
	}
	s.values = append(s.values, value)
	// longest first so a value containing another is masked whole
	sort.Slice(s.values, func(i, j int) bool { return len(s.values[i]) > len(s.values[j]) })
}

// Redact masks every value resolved through the scope.
func (s *Scope) Redact(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.values {
		text = strings.ReplaceAll(text, v, Mask)
	}
	return text
}
