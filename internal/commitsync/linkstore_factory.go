package commitsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type LinkStoreFactory func(dsn string) (LinkStore, error)

var linkStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LinkStoreFactory
}{
	factories: map[string]LinkStoreFactory{},
}

// RegisterLinkStoreFactory lets callers plug in a backend for a DSN scheme.
// Registered factories take precedence over the built-in schemes.
func RegisterLinkStoreFactory(scheme string, factory LinkStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	linkStoreRegistry.mu.Lock()
	defer linkStoreRegistry.mu.Unlock()
	linkStoreRegistry.factories[scheme] = factory
}

func lookupLinkStoreFactory(scheme string) (LinkStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	linkStoreRegistry.mu.RLock()
	defer linkStoreRegistry.mu.RUnlock()
	factory, ok := linkStoreRegistry.factories[scheme]
	return factory, ok
}

// BuildLinkStoreFromDSN picks a backend by scheme. An empty DSN yields the
// in-memory store.
func BuildLinkStoreFromDSN(dsn string) (LinkStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryLinkStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupLinkStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLinkStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryLinkStore(), nil
	case "postgres", "postgresql", "sqlite", "sqlite3":
		return NewSQLLinkStore(dsn)
	case "redis", "rediss":
		return NewRedisLinkStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported link store scheme: %s", scheme)
	}
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
