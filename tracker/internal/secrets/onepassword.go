// Package secrets resolves credential references in configuration.
//
// A value of the form op://<item>/<field> is looked up in a 1Password vault
// through the Connect API. Any other value is returned as is, so plain
// connection strings keep working in development.
package secrets

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

const refPrefix = "op://"

// ItemSource is the part of the Connect client the resolver uses.
type ItemSource interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host  string // GEOTRACK_OP_CONNECT_HOST
	Token string // GEOTRACK_OP_CONNECT_TOKEN
	Vault string // GEOTRACK_OP_VAULT
}

// Resolver turns op:// references into secret values.
type Resolver struct {
	source ItemSource
	vault  string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver over any item source.
func NewResolver(source ItemSource, vault string, logger *slog.Logger) *Resolver {
	return &Resolver{
		source: source,
		vault:  vault,
		logger: logger.With("component", "secrets"),
		cache:  make(map[string]string),
	}
}

// NewOnePasswordResolver creates a resolver backed by a Connect server.
func NewOnePasswordResolver(cfg OnePasswordConfig, logger *slog.Logger) (*Resolver, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.Vault == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "geotrack-tracker")
	return NewResolver(client, cfg.Vault, logger), nil
}

// IsReference reports whether v is an op:// reference.
func IsReference(v string) bool {
	return strings.HasPrefix(v, refPrefix)
}

// ParseReference splits op://<item>/<field>.
func ParseReference(ref string) (item, field string, err error) {
	if !IsReference(ref) {
		return "", "", fmt.Errorf("not a 1Password reference: %q", ref)
	}
	rest := strings.TrimPrefix(ref, refPrefix)
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed 1Password reference %q: want op://<item>/<field>", ref)
	}
	return rest[:i], rest[i+1:], nil
}

// Resolve returns the secret behind v, or v itself when it is not a
// reference. A nil resolver can only pass plain values through.
func (r *Resolver) Resolve(v string) (string, error) {
	if !IsReference(v) {
		return v, nil
	}
	if r == nil {
		return "", fmt.Errorf("cannot resolve %q: 1Password is not configured", v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[v]; ok {
		return cached, nil
	}

	itemName, fieldName, err := ParseReference(v)
	if err != nil {
		return "", err
	}

	items, err := r.source.GetItemsByTitle(itemName, r.vault)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("1Password item %q not found", itemName)
		}
		return "", fmt.Errorf("finding item %q: %w", itemName, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("1Password item %q not found", itemName)
	}

	// GetItemsByTitle omits field values.
	item, err := r.source.GetItem(items[0].ID, r.vault)
	if err != nil {
		return "", fmt.Errorf("getting item %q: %w", itemName, err)
	}

	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if f.ID == fieldName || strings.EqualFold(f.Label, fieldName) {
			r.cache[v] = f.Value
			r.logger.Debug("resolved secret reference", "item", itemName, "field", fieldName)
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("1Password item %q has no field %q", itemName, fieldName)
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "not found") || strings.Contains(s, "404") || strings.Contains(s, "no items")
}
