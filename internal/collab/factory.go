package collab

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type OperationLogFactory func(dsn string) (OperationLog, error)
type CheckpointStoreFactory func(dsn string) (CheckpointStore, error)
type BroadcastBusFactory func(dsn string) (BroadcastBus, error)

var backendFactoryRegistry = struct {
	mu           sync.RWMutex
	logFactories map[string]OperationLogFactory
	cpFactories  map[string]CheckpointStoreFactory
	busFactories map[string]BroadcastBusFactory
}{
	logFactories: map[string]OperationLogFactory{},
	cpFactories:  map[string]CheckpointStoreFactory{},
	busFactories: map[string]BroadcastBusFactory{},
}

func RegisterOperationLogFactory(scheme string, factory OperationLogFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.logFactories[scheme] = factory
}

func RegisterCheckpointStoreFactory(scheme string, factory CheckpointStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cpFactories[scheme] = factory
}

func RegisterBroadcastBusFactory(scheme string, factory BroadcastBusFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.busFactories[scheme] = factory
}

func BuildOperationLogFromDSN(dsn string) (OperationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	backendFactoryRegistry.mu.RLock()
	factory, ok := backendFactoryRegistry.logFactories[scheme]
	backendFactoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryOperationLog(), nil
	case "postgres", "postgresql":
		return NewPostgresOperationLog(dsn)
	default:
		return nil, fmt.Errorf("unsupported operation log scheme: %s", scheme)
	}
}

func BuildCheckpointStoreFromDSN(dsn string) (CheckpointStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	backendFactoryRegistry.mu.RLock()
	factory, ok := backendFactoryRegistry.cpFactories[scheme]
	backendFactoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCheckpointStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCheckpointStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store scheme: %s", scheme)
	}
}

func BuildBroadcastBusFromDSN(dsn string) (BroadcastBus, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	backendFactoryRegistry.mu.RLock()
	factory, ok := backendFactoryRegistry.busFactories[scheme]
	backendFactoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBus(), nil
	case "redis", "rediss":
		return NewRedisBus(dsn)
	default:
		return nil, fmt.Errorf("unsupported broadcast bus scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return normalizeBackendScheme(parsed.Scheme), nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
