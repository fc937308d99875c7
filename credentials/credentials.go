// Package credentials resolves the secrets policy-cache needs (the remote
// API token, the facade's inbound token and the Redis password) from a JSON
// template, so secrets can live in the environment or in mounted files
// instead of on the command line.
//
// A template looks like:
//
//	{
//	  "api_token": {{ env "INSURER_API_TOKEN" | json }},
//	  "auth_token": {{ file "/run/secrets/facade-token" | json }},
//	  "redis_password": {{ envDefault "REDIS_PASSWORD" "" | json }}
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template and its rendered output (1MB).
const maxTemplateSize = 1 << 20

// Credentials holds resolved secret values. Empty fields are unset.
type Credentials struct {
	// APIToken is sent as a Bearer token to the remote API.
	APIToken string `json:"api_token,omitempty"`
	// AuthToken is required from clients of the HTTP facade.
	AuthToken string `json:"auth_token,omitempty"`
	// RedisPassword authenticates the redis URL cache backend.
	RedisPassword string `json:"redis_password,omitempty"`
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
// Each distinct reference is resolved at most once per template.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile resolves the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.Resolve(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("resolved credentials", "path", path,
		"api_token", creds.APIToken != "",
		"auth_token", creds.AuthToken != "",
		"redis_password", creds.RedisPassword != "",
	)
	return creds, nil
}

// Resolve renders the template read from src and decodes the JSON result.
func (r *Resolver) Resolve(ctx context.Context, src io.Reader) (*Credentials, error) {
	text, err := readLimited(src)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}

	var creds Credentials
	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	return &creds, nil
}

func readLimited(src io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return "", fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return "", fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}
	return string(data), nil
}

// funcs returns the template functions. Provider lookups are memoized for
// the lifetime of one render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":        lookupEnv,
		"envDefault": envDefault,
		"file":       readSecretFile,
		"json":       quoteJSON,
	}

	seen := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := seen[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			seen[key] = val
			return val, nil
		}
	}
	return fm
}

func lookupEnv(key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", key)
	}
	return val, nil
}

func envDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func quoteJSON(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("JSON encoding value: %w", err)
	}
	return string(b), nil
}
