package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("COLLABD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set COLLABD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

func TestPostgresIntegrationOperationLogAppendAndRead(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresOperationLog(dsn)
	if err != nil {
		t.Fatalf("new postgres operation log: %v", err)
	}
	pg, ok := backend.(*PostgresOperationLog)
	if !ok {
		t.Fatalf("expected *PostgresOperationLog, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("collab_oplog_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		seq, err := backend.Append(ctx, Operation{
			SessionID:     "s1",
			ClientOpID:    fmt.Sprintf("c%d", i),
			ParticipantID: "p1",
			BaseVersion:   int64(i - 1),
			Type:          OpTypeText,
			Payload:       json.RawMessage(`{"op":"insert","pos":0,"text":"x"}`),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}

	tail, err := backend.TailSeq(ctx, "s1")
	if err != nil || tail != 3 {
		t.Fatalf("tail seq: got %d err=%v", tail, err)
	}

	ops, err := backend.ReadFrom(ctx, "s1", 2, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(ops) != 2 || ops[0].Seq != 2 || ops[1].ClientOpID != "c3" {
		t.Fatalf("unexpected page: %+v", ops)
	}
	if ops[0].AppendedAt.IsZero() {
		t.Fatalf("expected appended_at to round-trip")
	}
}

func TestPostgresIntegrationConcurrentAppendsStayGapFree(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresOperationLog(dsn)
	if err != nil {
		t.Fatalf("new postgres operation log: %v", err)
	}
	pg := backend.(*PostgresOperationLog)
	pg.tableName = postgresIntegrationTableName("collab_oplog_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	const writers = 8
	seqs := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := backend.Append(context.Background(), Operation{
				SessionID:  "s1",
				ClientOpID: fmt.Sprintf("c%d", i),
				Type:       OpTypeKV,
				Payload:    json.RawMessage(`{"set":{"k":"v"}}`),
			})
			if err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("sequence %d assigned twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != writers {
		t.Fatalf("expected %d distinct sequences, got %d", writers, len(seen))
	}
	for seq := int64(1); seq <= writers; seq++ {
		if !seen[seq] {
			t.Fatalf("gap at sequence %d", seq)
		}
	}
}

func TestPostgresIntegrationCheckpointUpsert(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresCheckpointStore(dsn)
	if err != nil {
		t.Fatalf("new postgres checkpoint store: %v", err)
	}
	pg := backend.(*PostgresCheckpointStore)
	pg.tableName = postgresIntegrationTableName("collab_checkpoints_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	ctx := context.Background()
	if _, ok, err := backend.LoadLatest(ctx, "s1"); err != nil || ok {
		t.Fatalf("expected no checkpoint yet, ok=%v err=%v", ok, err)
	}
	for seq := int64(1); seq <= 2; seq++ {
		cp := Checkpoint{
			SessionID: "s1",
			Seq:       seq,
			State:     State{Type: OpTypeKV, Data: json.RawMessage(fmt.Sprintf(`{"rev":%d}`, seq))},
		}
		if err := backend.Save(ctx, cp); err != nil {
			t.Fatalf("save seq %d failed: %v", seq, err)
		}
	}
	cp, ok, err := backend.LoadLatest(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if cp.Seq != 2 || string(cp.State.Data) != `{"rev":2}` {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}
