package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/teraunit/teraunit/pkg/engine"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestStore creates an in-memory SQLite ledger for testing
func setupTestStore(t *testing.T) *LedgerStore {
	t.Helper()

	store, err := NewLedgerStore(Config{
		Driver: DriverSQLite,
		DSN:    ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func newInstance(id, hb string, start time.Time) *engine.Instance {
	return &engine.Instance{
		InstanceID:         id,
		HeartbeatID:        hb,
		HeartbeatTokenHash: "hash-" + hb,
		Provider:           engine.ProviderRunPod,
		SealedCredential:   "sealed-" + id,
		StartTime:          start,
		LastHeartbeat:      start,
		Active:             true,
	}
}

func TestNewLedgerStoreValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite default driver", Config{DSN: ":memory:"}, false},
		{"postgres", Config{Driver: DriverPostgres, DSN: "postgres://localhost/tera"}, false},
		{"missing dsn", Config{Driver: DriverSQLite}, true},
		{"unknown driver", Config{Driver: "mysql", DSN: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLedgerStore(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLedgerStore() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// Running migrations twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	open := func() *LedgerStore {
		store, err := NewLedgerStore(Config{DSN: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	store := open()
	if err := store.Insert(ctx, newInstance("RUNPOD:pod-1", "hb-1", base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	store.Close()

	reopened := open()
	defer reopened.Close()
	if _, err := reopened.FindByInstanceID(ctx, "RUNPOD:pod-1"); err != nil {
		t.Errorf("record lost across reopen: %v", err)
	}
}

func TestInsertAndFind(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	expires := base.Add(90 * time.Minute)
	inst := newInstance("LAMBDA:i-abc", "hb-abc", base)
	inst.Provider = engine.ProviderLambda
	inst.ExpiresAt = &expires

	if err := store.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := store.FindByInstanceID(ctx, "LAMBDA:i-abc")
	if err != nil {
		t.Fatalf("FindByInstanceID() error = %v", err)
	}
	if got.HeartbeatID != "hb-abc" || got.Provider != engine.ProviderLambda || !got.Active {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.SealedCredential != "sealed-LAMBDA:i-abc" || got.HeartbeatTokenHash != "hash-hb-abc" {
		t.Errorf("secrets not round-tripped: %+v", got)
	}
	if !got.StartTime.Equal(base) || got.StartTime.Location() != time.UTC {
		t.Errorf("StartTime = %v, want %v UTC", got.StartTime, base)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}

	byHB, err := store.FindByHeartbeatID(ctx, "hb-abc")
	if err != nil {
		t.Fatalf("FindByHeartbeatID() error = %v", err)
	}
	if byHB.InstanceID != "LAMBDA:i-abc" {
		t.Errorf("FindByHeartbeatID() instance = %s", byHB.InstanceID)
	}

	if _, err := store.FindByInstanceID(ctx, "nope"); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Errorf("FindByInstanceID(missing) error = %v, want ErrInstanceNotFound", err)
	}
	if _, err := store.FindByHeartbeatID(ctx, "nope"); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Errorf("FindByHeartbeatID(missing) error = %v, want ErrInstanceNotFound", err)
	}
}

func TestInsertRejectsDuplicates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newInstance("VAST:1", "hb-1", base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	tests := []struct {
		name string
		inst *engine.Instance
	}{
		{"same instance id", newInstance("VAST:1", "hb-2", base)},
		{"same heartbeat id", newInstance("VAST:2", "hb-1", base)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Insert(ctx, tt.inst); !errors.Is(err, ErrDuplicateInstance) {
				t.Errorf("Insert() error = %v, want ErrDuplicateInstance", err)
			}
		})
	}
}

func TestFindStaleAndExpired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := base.Add(time.Hour)

	fresh := newInstance("RUNPOD:fresh", "hb-fresh", base)
	fresh.LastHeartbeat = now.Add(-time.Minute)

	stale := newInstance("RUNPOD:stale", "hb-stale", base)
	stale.LastHeartbeat = now.Add(-10 * time.Minute)

	past := now.Add(-time.Second)
	expired := newInstance("RUNPOD:expired", "hb-expired", base)
	expired.LastHeartbeat = now
	expired.ExpiresAt = &past

	future := now.Add(time.Hour)
	leased := newInstance("RUNPOD:leased", "hb-leased", base)
	leased.LastHeartbeat = now
	leased.ExpiresAt = &future

	gone := newInstance("RUNPOD:gone", "hb-gone", base)
	gone.ExpiresAt = &past
	gone.Active = false

	for _, inst := range []*engine.Instance{fresh, stale, expired, leased, gone} {
		if err := store.Insert(ctx, inst); err != nil {
			t.Fatalf("Insert(%s) error = %v", inst.InstanceID, err)
		}
	}

	staleList, err := store.FindStale(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("FindStale() error = %v", err)
	}
	if ids := instanceIDs(staleList); len(ids) != 1 || ids[0] != "RUNPOD:stale" {
		t.Errorf("FindStale() = %v, want [RUNPOD:stale]", ids)
	}

	expiredList, err := store.FindExpired(ctx, now)
	if err != nil {
		t.Fatalf("FindExpired() error = %v", err)
	}
	if ids := instanceIDs(expiredList); len(ids) != 1 || ids[0] != "RUNPOD:expired" {
		t.Errorf("FindExpired() = %v, want [RUNPOD:expired]", ids)
	}

	active, err := store.FindActive(ctx)
	if err != nil {
		t.Fatalf("FindActive() error = %v", err)
	}
	if len(active) != 4 {
		t.Errorf("FindActive() returned %d records, want 4", len(active))
	}
}

func TestFindActiveNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"VAST:a", "VAST:b", "VAST:c"} {
		if err := store.Insert(ctx, newInstance(id, "hb-"+id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	active, err := store.FindActive(ctx)
	if err != nil {
		t.Fatalf("FindActive() error = %v", err)
	}
	want := []string{"VAST:c", "VAST:b", "VAST:a"}
	got := instanceIDs(active)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FindActive() order = %v, want %v", got, want)
		}
	}
}

func TestTouchHeartbeat(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newInstance("RUNPOD:p", "hb-p", base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	later := base.Add(2 * time.Minute)
	lease := base.Add(3 * time.Hour)
	ok, err := store.TouchHeartbeat(ctx, "hb-p", later, &lease)
	if err != nil || !ok {
		t.Fatalf("TouchHeartbeat() = %v, %v", ok, err)
	}

	// An older beat never moves the clock backwards, and an existing lease is kept
	otherLease := base.Add(10 * time.Hour)
	if ok, err := store.TouchHeartbeat(ctx, "hb-p", base.Add(time.Minute), &otherLease); err != nil || !ok {
		t.Fatalf("TouchHeartbeat(older) = %v, %v", ok, err)
	}

	got, _ := store.FindByHeartbeatID(ctx, "hb-p")
	if !got.LastHeartbeat.Equal(later) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, later)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(lease) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, lease)
	}

	if ok, err := store.TouchHeartbeat(ctx, "hb-unknown", later, nil); err != nil || ok {
		t.Errorf("TouchHeartbeat(unknown) = %v, %v, want false, nil", ok, err)
	}
}

func TestTouchHeartbeatWithoutBackfill(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newInstance("RUNPOD:p", "hb-p", base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.TouchHeartbeat(ctx, "hb-p", base.Add(time.Minute), nil); err != nil {
		t.Fatalf("TouchHeartbeat() error = %v", err)
	}

	got, _ := store.FindByHeartbeatID(ctx, "hb-p")
	if got.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", got.ExpiresAt)
	}
}

func TestMarkInactive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newInstance("LAMBDA:x", "hb-x", base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	changed, err := store.MarkInactive(ctx, "LAMBDA:x")
	if err != nil || !changed {
		t.Fatalf("MarkInactive() = %v, %v, want true", changed, err)
	}

	changed, err = store.MarkInactive(ctx, "LAMBDA:x")
	if err != nil || changed {
		t.Errorf("second MarkInactive() = %v, %v, want false", changed, err)
	}

	// Heartbeats never revive an inactive record
	if ok, _ := store.TouchHeartbeat(ctx, "hb-x", base.Add(time.Hour), nil); ok {
		t.Error("TouchHeartbeat() updated an inactive record")
	}

	got, err := store.FindByInstanceID(ctx, "LAMBDA:x")
	if err != nil {
		t.Fatalf("FindByInstanceID() error = %v", err)
	}
	if got.Active || !got.LastHeartbeat.Equal(base) {
		t.Errorf("inactive record changed: %+v", got)
	}

	if changed, err := store.MarkInactive(ctx, "LAMBDA:missing"); err != nil || changed {
		t.Errorf("MarkInactive(missing) = %v, %v", changed, err)
	}
}

func TestRebind(t *testing.T) {
	pg := &LedgerStore{cfg: Config{Driver: DriverPostgres}}
	lite := &LedgerStore{cfg: Config{Driver: DriverSQLite}}

	query := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	if got := pg.rebind(query); got != "UPDATE t SET a = $1 WHERE b = $2 AND c = $3" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := lite.rebind(query); got != query {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func instanceIDs(list []*engine.Instance) []string {
	ids := make([]string, 0, len(list))
	for _, inst := range list {
		ids = append(ids, inst.InstanceID)
	}
	return ids
}
