package relay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var ErrNotImplemented = errors.New("not implemented")

type PendingStoreFactory func(dsn string) (PendingStore, error)
type MembershipStoreFactory func(dsn string) (MembershipStore, error)

var storeFactoryRegistry = struct {
	mu                  sync.RWMutex
	pendingFactories    map[string]PendingStoreFactory
	membershipFactories map[string]MembershipStoreFactory
}{
	pendingFactories:    map[string]PendingStoreFactory{},
	membershipFactories: map[string]MembershipStoreFactory{},
}

// RegisterPendingStoreFactory installs a custom DSN scheme for pending
// stores, taking precedence over the built-in schemes.
func RegisterPendingStoreFactory(scheme string, factory PendingStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.pendingFactories[scheme] = factory
}

func RegisterMembershipStoreFactory(scheme string, factory MembershipStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.membershipFactories[scheme] = factory
}

func lookupPendingStoreFactory(scheme string) (PendingStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.pendingFactories[scheme]
	return factory, ok
}

func lookupMembershipStoreFactory(scheme string) (MembershipStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.membershipFactories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildPendingStoreFromDSN resolves a pending store from a DSN:
// memory://, file://<path> (or a bare path), postgres://..., or any
// registered custom scheme.
func BuildPendingStoreFromDSN(dsn string) (PendingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupPendingStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFilePendingStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryPendingStore(), nil
	case "postgres", "postgresql":
		return NewPostgresPendingStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: pending store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported pending store scheme: %s", scheme)
	}
}

// BuildMembershipStoreFromDSN resolves a membership store from a DSN.
func BuildMembershipStoreFromDSN(dsn string) (MembershipStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupMembershipStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileMembershipStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryMembershipStore(), nil
	case "postgres", "postgresql":
		return NewPostgresMembershipStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: membership store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported membership store scheme: %s", scheme)
	}
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
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
