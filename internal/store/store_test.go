package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/model"
)

// fakeProber counts probes per endpoint and fails the ones marked down.
type fakeProber struct {
	mu    sync.Mutex
	calls map[string]int
	down  map[string]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{calls: map[string]int{}, down: map[string]bool{}}
}

func (p *fakeProber) probe(ctx context.Context, name string, db *gorm.DB) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[name]++
	if p.down[name] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) setDown(name string, down bool) {
	p.mu.Lock()
	p.down[name] = down
	p.mu.Unlock()
}

func (p *fakeProber) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

var testDBSeq int

// testOpener hands every endpoint its own in-memory sqlite DB and records
// them by name so tests can inspect where rows landed.
func testOpener(t *testing.T, dbs map[string]*gorm.DB) Opener {
	t.Helper()
	return func(dialect string, ep config.EndpointConfig) (*gorm.DB, error) {
		testDBSeq++
		dsn := fmt.Sprintf("file:store_%s_%d?mode=memory&cache=shared", ep.Name, testDBSeq)
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(&model.Task{}); err != nil {
			return nil, err
		}
		dbs[ep.Name] = db
		return db, nil
	}
}

func newTestStore(t *testing.T, replicas int, interval time.Duration) (*Store, *fakeProber, map[string]*gorm.DB) {
	t.Helper()
	cfg := config.StorageConfig{
		Dialect:             "sqlite",
		Primary:             config.EndpointConfig{Name: "primary", DSN: "mem"},
		HealthCheckInterval: interval,
	}
	for i := 0; i < replicas; i++ {
		cfg.Replicas = append(cfg.Replicas, config.EndpointConfig{
			Name: fmt.Sprintf("replica%d", i+1), DSN: "mem",
		})
	}
	dbs := map[string]*gorm.DB{}
	prober := newFakeProber()
	s := New(cfg, WithOpener(testOpener(t, dbs)), WithProber(prober.probe))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start store: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, prober, dbs
}

func newTask(owner, account int64) *model.Task {
	return &model.Task{OwnerID: owner, AccountID: account, Status: consts.Pending}
}

func countTasks(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&model.Task{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestHealthCheckThrottled(t *testing.T) {
	s, prober, _ := newTestStore(t, 2, time.Minute)

	// Start already swept once.
	base := prober.count("primary")
	s.CheckHealth(context.Background())
	s.CheckHealth(context.Background())
	if got := prober.count("primary"); got != base {
		t.Fatalf("expected cached verdict inside interval, probes went %d -> %d", base, got)
	}
	for _, name := range []string{"replica1", "replica2"} {
		if prober.count(name) != 1 {
			t.Fatalf("endpoint %s probed %d times, want 1", name, prober.count(name))
		}
	}
}

func TestDegradedWriteRoutesToReplica(t *testing.T) {
	s, prober, dbs := newTestStore(t, 2, time.Minute)

	prober.setDown("primary", true)
	s.sweep(context.Background(), true)

	err := s.Write(context.Background(), func(db *gorm.DB) error {
		return db.Create(newTask(7, 42)).Error
	})
	if err != nil {
		t.Fatalf("degraded write failed: %v", err)
	}
	if n := countTasks(t, dbs["primary"]); n != 0 {
		t.Fatalf("unhealthy primary received %d rows", n)
	}
	if n := countTasks(t, dbs["replica1"]); n != 1 {
		t.Fatalf("first healthy replica has %d rows, want 1", n)
	}

	// Primary recovers: writes return to it.
	prober.setDown("primary", false)
	s.sweep(context.Background(), true)
	if err := s.Write(context.Background(), func(db *gorm.DB) error {
		return db.Create(newTask(7, 43)).Error
	}); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	if n := countTasks(t, dbs["primary"]); n != 1 {
		t.Fatalf("recovered primary has %d rows, want 1", n)
	}
}

func TestReadFallsBackToPrimary(t *testing.T) {
	s, prober, dbs := newTestStore(t, 2, time.Minute)

	if err := dbs["primary"].Create(newTask(1, 10)).Error; err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	prober.setDown("replica1", true)
	prober.setDown("replica2", true)
	s.sweep(context.Background(), true)

	var got []model.Task
	err := s.Read(context.Background(), func(db *gorm.DB) error {
		return db.Find(&got).Error
	})
	if err != nil {
		t.Fatalf("read fallback failed: %v", err)
	}
	if len(got) != 1 || got[0].AccountID != 10 {
		t.Fatalf("read did not hit primary, got %+v", got)
	}
}

func TestAllEndpointsDownIsUnavailable(t *testing.T) {
	s, prober, _ := newTestStore(t, 1, time.Minute)

	prober.setDown("primary", true)
	prober.setDown("replica1", true)
	s.sweep(context.Background(), true)

	err := s.Write(context.Background(), func(db *gorm.DB) error { return nil })
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
	err = s.Read(context.Background(), func(db *gorm.DB) error { return nil })
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
}

func TestConnErrorMarksUnhealthyAndRetries(t *testing.T) {
	s, _, _ := newTestStore(t, 1, time.Minute)

	calls := 0
	err := s.Write(context.Background(), func(db *gorm.DB) error {
		calls++
		if calls == 1 {
			return &net.OpError{Op: "write", Err: errors.New("connection reset by peer")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry against replica to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn invoked %d times, want 2", calls)
	}
	st := s.ConnStats()
	if st.Primary.Healthy {
		t.Fatal("primary should be unhealthy after connection error, without waiting for the probe")
	}
}

func TestBusinessErrorDoesNotFlipHealth(t *testing.T) {
	s, _, _ := newTestStore(t, 1, time.Minute)

	boom := errors.New("UNIQUE constraint failed")
	err := s.Write(context.Background(), func(db *gorm.DB) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("business error should surface as-is, got %v", err)
	}
	if !s.ConnStats().Primary.Healthy {
		t.Fatal("business error must not mark the endpoint unhealthy")
	}
}

func TestForceFailoverPromotesReplica(t *testing.T) {
	s, _, dbs := newTestStore(t, 2, time.Minute)

	if err := s.ForceFailover(context.Background(), "replica2"); err != nil {
		t.Fatalf("failover: %v", err)
	}
	st := s.ConnStats()
	if st.Primary.Name != "replica2" {
		t.Fatalf("primary is %s, want replica2", st.Primary.Name)
	}
	if len(st.Replicas) != 1 || st.Replicas[0].Name != "replica1" {
		t.Fatalf("replica set after failover: %+v", st.Replicas)
	}

	if err := s.Write(context.Background(), func(db *gorm.DB) error {
		return db.Create(newTask(3, 30)).Error
	}); err != nil {
		t.Fatalf("write after failover: %v", err)
	}
	if n := countTasks(t, dbs["replica2"]); n != 1 {
		t.Fatalf("promoted endpoint has %d rows, want 1", n)
	}

	if err := s.ForceFailover(context.Background(), "nope"); err == nil {
		t.Fatal("failover to unknown replica must error")
	}
}
