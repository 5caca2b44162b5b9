package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockAcquireRelease(t *testing.T) {
	mr, client := newMiniredisClient(t)
	ctx := context.Background()

	first := NewLock(client, "lock:recovery", time.Minute)
	second := NewLock(client, "lock:recovery", time.Minute)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second owner to be rejected")
	}

	// 非持有者释放无效
	if err := second.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if !mr.Exists("lock:recovery") {
		t.Fatal("lock released by non-owner")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if mr.Exists("lock:recovery") {
		t.Fatal("expected lock to be released")
	}
}

func TestLockExtend(t *testing.T) {
	mr, client := newMiniredisClient(t)
	ctx := context.Background()

	lock := NewLock(client, "lock:extend", time.Second)
	if ok, err := lock.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}

	ok, err := lock.Extend(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("extend = %v, %v", ok, err)
	}
	if ttl := mr.TTL("lock:extend"); ttl < 30*time.Second {
		t.Fatalf("ttl = %v, want about 1m", ttl)
	}

	other := NewLock(client, "lock:extend", time.Second)
	if ok, _ := other.Extend(ctx, time.Hour); ok {
		t.Fatal("expected extend by non-owner to fail")
	}
}

func TestLockDo(t *testing.T) {
	_, client := newMiniredisClient(t)
	ctx := context.Background()

	holder := NewLock(client, "lock:do", time.Minute)
	ran := false
	err := holder.Do(ctx, func(ctx context.Context) error {
		ran = true
		err := NewLock(client, "lock:do", time.Minute).Do(ctx, func(context.Context) error {
			t.Fatal("nested owner must not run")
			return nil
		})
		if !errors.Is(err, ErrLockHeld) {
			t.Fatalf("nested Do error = %v, want ErrLockHeld", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run")
	}

	if ok, _ := NewLock(client, "lock:do", time.Minute).Acquire(ctx); !ok {
		t.Fatal("expected lock to be released after Do")
	}
}
