package userlog

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/consts"
	"github.com/Ramazan2220/warmq/internal/core"
	"github.com/Ramazan2220/warmq/internal/logging"
)

// Entry is one user-visible event for a tenant's activity feed.
type Entry struct {
	OwnerID   int64
	AccountID int64
	TaskID    int64
	Event     string
	Detail    string
	At        time.Time
}

// appender is the write half of the stream client, narrowed for tests.
type appender interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// Sink fans tenant events into per-owner redis streams. Publishing is
// best effort: the buffer drops on overflow and redis errors are logged
// and forgotten, because the activity feed must never slow the scheduler.
type Sink struct {
	*core.BaseComponent
	cfg    config.RedisConfig
	client appender
	closer func() error

	ch      chan Entry
	dropped atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Option func(*Sink)

// WithClient replaces the redis client, for tests.
func WithClient(a appender) Option {
	return func(s *Sink) { s.client = a; s.closer = nil }
}

func New(cfg config.RedisConfig, opts ...Option) *Sink {
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 1000
	}
	s := &Sink{
		BaseComponent: core.NewBaseComponent(consts.CompUserLog),
		cfg:           cfg,
		ch:            make(chan Entry, 256),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) Start(ctx context.Context) error {
	if s.IsActive() {
		return nil
	}
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if s.client == nil {
		addr := "127.0.0.1:6379"
		if len(s.cfg.Addresses) > 0 {
			addr = s.cfg.Addresses[0]
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:        addr,
			DB:          s.cfg.DB,
			Username:    s.cfg.Username,
			Password:    s.cfg.Password,
			DialTimeout: s.cfg.DialTimeout,
		})
		s.client = rdb
		s.closer = rdb.Close
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.drain(runCtx)
	logging.Info(ctx, "user log sink started")
	return nil
}

func (s *Sink) Stop(ctx context.Context) error {
	if !s.IsActive() {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	if s.closer != nil {
		_ = s.closer()
	}
	return s.BaseComponent.Stop(ctx)
}

// Publish enqueues an entry without blocking. Full buffer means the entry
// is dropped.
func (s *Sink) Publish(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded on buffer overflow.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

func streamKey(ownerID int64) string {
	return "warmq:userlog:" + strconv.FormatInt(ownerID, 10)
}

func (s *Sink) drain(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already buffered before exiting.
			for {
				select {
				case e := <-s.ch:
					s.append(context.Background(), e)
				default:
					return
				}
			}
		case e := <-s.ch:
			s.append(ctx, e)
		}
	}
}

func (s *Sink) append(ctx context.Context, e Entry) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(e.OwnerID),
		MaxLen: s.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"account_id": e.AccountID,
			"task_id":    e.TaskID,
			"event":      e.Event,
			"detail":     e.Detail,
			"at":         e.At.UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil && ctx.Err() == nil {
		logging.Warn(ctx, "userlog: append failed",
			zap.Int64("owner_id", e.OwnerID), zap.Error(err))
	}
}
