package collab

import (
	"testing"
)

func TestBuildBackendsFromMemoryDSN(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "inmem://"} {
		logBackend, err := BuildOperationLogFromDSN(dsn)
		if err != nil || logBackend == nil {
			t.Fatalf("operation log for %s: backend=%v err=%v", dsn, logBackend, err)
		}
		store, err := BuildCheckpointStoreFromDSN(dsn)
		if err != nil || store == nil {
			t.Fatalf("checkpoint store for %s: backend=%v err=%v", dsn, store, err)
		}
		bus, err := BuildBroadcastBusFromDSN(dsn)
		if err != nil || bus == nil {
			t.Fatalf("broadcast bus for %s: backend=%v err=%v", dsn, bus, err)
		}
	}
}

func TestBuildBackendsEmptyDSNMeansNone(t *testing.T) {
	if backend, err := BuildOperationLogFromDSN("  "); err != nil || backend != nil {
		t.Fatalf("expected nil backend for blank DSN, got %v err=%v", backend, err)
	}
}

func TestBuildBackendsUnsupportedScheme(t *testing.T) {
	if _, err := BuildOperationLogFromDSN("kafka://broker:9092"); err == nil {
		t.Fatalf("expected error for unsupported operation log scheme")
	}
	if _, err := BuildCheckpointStoreFromDSN("s3://bucket/key"); err == nil {
		t.Fatalf("expected error for unsupported checkpoint scheme")
	}
	if _, err := BuildBroadcastBusFromDSN("nats://broker:4222"); err == nil {
		t.Fatalf("expected error for unsupported bus scheme")
	}
}

func TestRegisteredFactoryOverridesScheme(t *testing.T) {
	marker := NewMemoryOperationLog()
	RegisterOperationLogFactory("custom-log", func(dsn string) (OperationLog, error) {
		return marker, nil
	})
	built, err := BuildOperationLogFromDSN("custom-log://anything")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if built != marker {
		t.Fatalf("expected registered factory to produce the marker backend")
	}
}

func TestRegisterIgnoresBlankSchemeAndNilFactory(t *testing.T) {
	RegisterBroadcastBusFactory("", func(dsn string) (BroadcastBus, error) { return NewMemoryBus(), nil })
	RegisterBroadcastBusFactory("ghost", nil)
	if _, err := BuildBroadcastBusFromDSN("ghost://x"); err == nil {
		t.Fatalf("expected nil factory registration to be ignored")
	}
}
