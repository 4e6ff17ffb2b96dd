package userlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ramazan2220/warmq/internal/config"
)

type fakeAppender struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
}

func (f *fakeAppender) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	f.args = append(f.args, args)
	f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("1-0")
	return cmd
}

func (f *fakeAppender) snapshot() []*redis.XAddArgs {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*redis.XAddArgs, len(f.args))
	copy(out, f.args)
	return out
}

func TestPublishRoutesPerOwnerStream(t *testing.T) {
	fake := &fakeAppender{}
	s := New(config.RedisConfig{StreamMaxLen: 50}, WithClient(fake))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Publish(Entry{OwnerID: 7, AccountID: 70, TaskID: 1, Event: "task_completed"})
	s.Publish(Entry{OwnerID: 9, AccountID: 90, TaskID: 2, Event: "task_failed", Detail: "challenge"})

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got := fake.snapshot()
	if len(got) != 2 {
		t.Fatalf("appended %d entries, want 2", len(got))
	}
	byStream := map[string]*redis.XAddArgs{}
	for _, a := range got {
		byStream[a.Stream] = a
	}
	a7, ok := byStream["warmq:userlog:7"]
	if !ok {
		t.Fatalf("owner 7 stream missing, have %v", byStream)
	}
	if a7.MaxLen != 50 || !a7.Approx {
		t.Fatalf("stream trimming not applied: %+v", a7)
	}
	if a7.Values.(map[string]interface{})["event"] != "task_completed" {
		t.Fatalf("event field missing: %+v", a7.Values)
	}
	if _, ok := byStream["warmq:userlog:9"]; !ok {
		t.Fatal("owner 9 stream missing")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	// Not started, so nothing drains the channel.
	s := New(config.RedisConfig{}, WithClient(&fakeAppender{}))
	for i := 0; i < 500; i++ {
		s.Publish(Entry{OwnerID: 1, Event: "noise", At: time.Now()})
	}
	if s.Dropped() == 0 {
		t.Fatal("overflow must drop, not block")
	}
}

func TestPublishConcurrentOverflow(t *testing.T) {
	// Not started, so every publish either buffers or drops.
	s := New(config.RedisConfig{}, WithClient(&fakeAppender{}))
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Publish(Entry{OwnerID: 1, Event: "noise", At: time.Now()})
			}
		}()
	}
	wg.Wait()
	if got := s.Dropped() + int64(len(s.ch)); got != 2000 {
		t.Fatalf("buffered+dropped = %d, want 2000", got)
	}
}

func TestStopFlushesBuffered(t *testing.T) {
	fake := &fakeAppender{}
	s := New(config.RedisConfig{}, WithClient(fake))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20; i++ {
		s.Publish(Entry{OwnerID: 3, TaskID: int64(i), Event: "session_started"})
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(fake.snapshot()) != 20 {
		t.Fatalf("flushed %d entries, want 20", len(fake.snapshot()))
	}
}
