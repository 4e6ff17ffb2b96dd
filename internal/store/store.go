package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/core"
	"github.com/Ramazan2220/warmq/internal/logging"
	"github.com/Ramazan2220/warmq/internal/metrics"
)

// ErrStorageUnavailable is returned when no endpoint can serve the
// requested operation class.
var ErrStorageUnavailable = errors.New("store: no healthy endpoint available")

// Opener dials one endpoint. Swappable so tests can hand in in-memory DBs.
type Opener func(dialect string, ep config.EndpointConfig) (*gorm.DB, error)

// Prober checks liveness of one endpoint.
type Prober func(ctx context.Context, name string, db *gorm.DB) error

type Option func(*Store)

func WithOpener(o Opener) Option { return func(s *Store) { s.opener = o } }
func WithProber(p Prober) Option { return func(s *Store) { s.prober = p } }

// Store routes persistence between one primary and N replicas with a
// throttled health cache. Failover here is an in-process routing decision
// only; it never coordinates a real database promotion, so it is safe for a
// single-scheduler deployment and nothing more.
type Store struct {
	*core.BaseComponent
	cfg config.StorageConfig

	// healthMu guards endpoint roles and health state. It is intentionally
	// separate from the scheduler's admission lock.
	healthMu  sync.Mutex
	primary   *endpoint
	replicas  []*endpoint
	lastSweep time.Time

	opener Opener
	prober Prober
}

func New(cfg config.StorageConfig, opts ...Option) *Store {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	s := &Store{
		BaseComponent: core.NewBaseComponent(consts.CompStore),
		cfg:           cfg,
		opener:        defaultOpener,
		prober:        defaultProber,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Start(ctx context.Context) error {
	if s.IsActive() {
		return nil
	}
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if s.cfg.Primary.DSN == "" {
		return errors.New("store: primary dsn not configured")
	}
	db, err := s.opener(s.cfg.Dialect, s.cfg.Primary)
	if err != nil {
		return fmt.Errorf("open primary: %w", err)
	}
	name := s.cfg.Primary.Name
	if name == "" {
		name = "primary"
	}
	s.primary = &endpoint{name: name, db: db}

	for i, rc := range s.cfg.Replicas {
		rdb, err := s.opener(s.cfg.Dialect, rc)
		if err != nil {
			// A dead replica at boot is degraded capacity, not a fatal error.
			logging.Error(ctx, "store: open replica failed",
				zap.String("replica", rc.Name), zap.Error(err))
			continue
		}
		rn := rc.Name
		if rn == "" {
			rn = fmt.Sprintf("replica%d", i+1)
		}
		s.replicas = append(s.replicas, &endpoint{name: rn, db: rdb})
	}

	s.sweep(ctx, true)
	logging.Info(ctx, "store started",
		zap.String("primary", s.primary.name),
		zap.Int("replicas", len(s.replicas)))
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	if !s.IsActive() {
		return nil
	}
	s.healthMu.Lock()
	eps := s.allEndpointsLocked()
	s.healthMu.Unlock()
	for _, ep := range eps {
		if sqlDB, err := ep.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return s.BaseComponent.Stop(ctx)
}

func (s *Store) HealthCheck() error {
	if err := s.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	for _, ep := range s.allEndpointsLocked() {
		if ep.healthy() {
			return nil
		}
	}
	return ErrStorageUnavailable
}

// CheckHealth probes all endpoints, at most once per configured interval.
// Calls inside the window reuse the cached verdicts.
func (s *Store) CheckHealth(ctx context.Context) {
	s.sweep(ctx, false)
}

func (s *Store) sweep(ctx context.Context, force bool) {
	s.healthMu.Lock()
	if !force && time.Since(s.lastSweep) < s.cfg.HealthCheckInterval {
		s.healthMu.Unlock()
		return
	}
	s.lastSweep = time.Now()
	eps := s.allEndpointsLocked()
	s.healthMu.Unlock()

	for _, ep := range eps {
		err := s.prober(ctx, ep.name, ep.db)
		s.healthMu.Lock()
		prev := ep.state
		if err != nil {
			ep.state = StateUnhealthy
		} else {
			ep.state = StateHealthy
		}
		ep.lastChecked = time.Now()
		cur := ep.state
		s.healthMu.Unlock()

		if prev != cur {
			if cur == StateHealthy && prev == StateUnhealthy {
				logging.Info(ctx, "store: endpoint recovered", zap.String("endpoint", ep.name))
			} else if cur == StateUnhealthy {
				logging.Error(ctx, "store: endpoint unreachable",
					zap.String("endpoint", ep.name), zap.Error(err))
			}
		}
		if m := metrics.C(); m != nil {
			v := 0.0
			if cur == StateHealthy {
				v = 1
			}
			m.EndpointHealthy.WithLabelValues(ep.name).Set(v)
		}
	}
}

// Write executes fn against the primary when it is healthy, otherwise
// against the first healthy replica (a degraded write). A connection-class
// error marks the endpoint unhealthy immediately and the operation is
// retried once against the next candidate.
func (s *Store) Write(ctx context.Context, fn func(db *gorm.DB) error) error {
	s.sweep(ctx, false)
	for attempt := 0; attempt < 2; attempt++ {
		ep, degraded := s.pickWrite()
		if ep == nil {
			return ErrStorageUnavailable
		}
		if degraded {
			logging.Warn(ctx, "store: degraded write, primary unhealthy",
				zap.String("endpoint", ep.name))
			if m := metrics.C(); m != nil {
				m.DegradedOps.WithLabelValues("write").Inc()
			}
		}
		err := fn(ep.db.WithContext(ctx))
		if err == nil {
			return nil
		}
		if !isConnErr(err) {
			return err
		}
		s.markUnhealthy(ctx, ep, err)
	}
	return ErrStorageUnavailable
}

// Read executes fn against a uniformly random healthy replica, falling back
// to the primary when no replica is healthy. Same single-retry rule as Write.
func (s *Store) Read(ctx context.Context, fn func(db *gorm.DB) error) error {
	s.sweep(ctx, false)
	for attempt := 0; attempt < 2; attempt++ {
		ep, degraded := s.pickRead()
		if ep == nil {
			return ErrStorageUnavailable
		}
		if degraded {
			logging.Debug(ctx, "store: reading from primary, no healthy replica")
			if m := metrics.C(); m != nil {
				m.DegradedOps.WithLabelValues("read").Inc()
			}
		}
		err := fn(ep.db.WithContext(ctx))
		if err == nil {
			return nil
		}
		if !isConnErr(err) {
			return err
		}
		s.markUnhealthy(ctx, ep, err)
	}
	return ErrStorageUnavailable
}

func (s *Store) pickWrite() (ep *endpoint, degraded bool) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if s.primary != nil && s.primary.healthy() {
		return s.primary, false
	}
	for _, r := range s.replicas {
		if r.healthy() {
			return r, true
		}
	}
	return nil, false
}

func (s *Store) pickRead() (ep *endpoint, degraded bool) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	var healthy []*endpoint
	for _, r := range s.replicas {
		if r.healthy() {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) > 0 {
		return healthy[rand.Intn(len(healthy))], false
	}
	if s.primary != nil && s.primary.healthy() {
		return s.primary, true
	}
	return nil, false
}

func (s *Store) markUnhealthy(ctx context.Context, ep *endpoint, cause error) {
	s.healthMu.Lock()
	ep.state = StateUnhealthy
	ep.lastChecked = time.Now()
	s.healthMu.Unlock()
	logging.Error(ctx, "store: endpoint marked unhealthy after connection error",
		zap.String("endpoint", ep.name), zap.Error(cause))
	if m := metrics.C(); m != nil {
		m.EndpointHealthy.WithLabelValues(ep.name).Set(0)
	}
}

// ForceFailover permanently promotes the named replica to the primary role
// and drops the old primary from routing. This is a manual operator action;
// degraded writes never promote on their own.
func (s *Store) ForceFailover(ctx context.Context, replicaName string) error {
	s.healthMu.Lock()
	idx := -1
	for i, r := range s.replicas {
		if r.name == replicaName {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.healthMu.Unlock()
		return fmt.Errorf("store: replica %q not found", replicaName)
	}
	target := s.replicas[idx]
	if !target.healthy() {
		s.healthMu.Unlock()
		return fmt.Errorf("store: replica %q is not healthy, refusing failover", replicaName)
	}
	old := s.primary
	s.primary = target
	s.replicas = append(s.replicas[:idx], s.replicas[idx+1:]...)
	s.healthMu.Unlock()

	if old != nil {
		if sqlDB, err := old.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logging.Warn(ctx, "store: forced failover, replica promoted to primary",
		zap.String("new_primary", target.name),
		zap.String("old_primary", func() string {
			if old == nil {
				return ""
			}
			return old.name
		}()))
	return nil
}

// ConnStats returns a pool utilization snapshot for observability.
func (s *Store) ConnStats() Stats {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	out := Stats{}
	if s.primary != nil {
		out.Primary = endpointStats(s.primary)
	}
	for _, r := range s.replicas {
		out.Replicas = append(out.Replicas, endpointStats(r))
	}
	return out
}

func endpointStats(ep *endpoint) EndpointStats {
	st := EndpointStats{Name: ep.name, Healthy: ep.healthy(), LastChecked: ep.lastChecked}
	if sqlDB, err := ep.db.DB(); err == nil {
		ds := sqlDB.Stats()
		st.OpenConns = ds.OpenConnections
		st.InUse = ds.InUse
		st.Idle = ds.Idle
	}
	return st
}

func (s *Store) allEndpointsLocked() []*endpoint {
	eps := make([]*endpoint, 0, len(s.replicas)+1)
	if s.primary != nil {
		eps = append(eps, s.primary)
	}
	eps = append(eps, s.replicas...)
	return eps
}

func defaultOpener(dialect string, ep config.EndpointConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch dialect {
	case "mysql":
		dial = gormmysql.Open(ep.DSN)
	case "postgres", "":
		dial = gormpg.Open(ep.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q", dialect)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if ep.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(ep.MaxOpenConns)
	}
	if ep.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(ep.MaxIdleConns)
	}
	if ep.ConnMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(ep.ConnMaxLife)
	}
	if ep.ConnMaxIdle > 0 {
		sqlDB.SetConnMaxIdleTime(ep.ConnMaxIdle)
	}
	return db, nil
}

func defaultProber(ctx context.Context, name string, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

// isConnErr reports whether err looks like a transport failure rather than
// a business error. Business errors must not flip endpoint health.
func isConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"i/o timeout",
		"server closed",
		"unexpected eof",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
