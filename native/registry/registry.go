package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownKey      = errors.New("registry: unknown key")
	ErrUnknownEndpoint = errors.New("registry: unknown endpoint")
)

// Resolver maps a symbolic key such as "rate-oracle" to the name of the
// endpoint currently serving it.
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// Static resolves keys from a fixed table.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, key string) (string, error) {
	name, ok := s[strings.TrimSpace(key)]
	if !ok || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return strings.TrimSpace(name), nil
}

// Directory binds endpoint names to live in-process collaborators and exposes
// them through a Resolver. It satisfies margin.Registry.
type Directory struct {
	mu       sync.RWMutex
	resolver Resolver
	services map[string]any
}

// NewDirectory constructs a directory consulting resolver for every lookup.
func NewDirectory(resolver Resolver) *Directory {
	return &Directory{resolver: resolver, services: make(map[string]any)}
}

// Register binds name to svc, replacing any previous binding.
func (d *Directory) Register(name string, svc any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[strings.TrimSpace(name)] = svc
}

// Names lists the registered endpoint names.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.services))
	for name := range d.services {
		out = append(out, name)
	}
	return out
}

// Lookup resolves key to its endpoint name and returns the bound service.
func (d *Directory) Lookup(ctx context.Context, key string) (any, error) {
	if d.resolver == nil {
		return nil, fmt.Errorf("%w: %s (no resolver)", ErrUnknownKey, key)
	}
	name, err := d.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.services[name]
	if !ok || svc == nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownEndpoint, key, name)
	}
	return svc, nil
}
