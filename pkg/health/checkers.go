package health

import (
	"context"
	"database/sql"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// probe 计时执行探针
func probe(ctx context.Context, fn func(context.Context) error) CheckResult {
	start := time.Now()
	err := fn(ctx)
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncChecker adapts a probe function, e.g. an object store bucket check.
func NewFuncChecker(name string, fn func(ctx context.Context) error) Checker {
	if name == "" {
		name = "func"
	}
	return &funcChecker{name: name, fn: fn}
}

func (c *funcChecker) Name() string { return c.name }

func (c *funcChecker) Check(ctx context.Context) CheckResult {
	if c.fn == nil {
		return CheckResult{Status: StatusDown, Message: "nil probe"}
	}
	return probe(ctx, c.fn)
}

// NewPostgresChecker pings the saga and file metadata database.
func NewPostgresChecker(db *sql.DB) Checker {
	return NewFuncChecker("postgres", func(ctx context.Context) error {
		if db == nil {
			return errNilClient
		}
		return db.PingContext(ctx)
	})
}

// RedisPinger is satisfied by *redis.Client and redis.UniversalClient.
type RedisPinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// NewRedisChecker pings the event stream and notification backend.
func NewRedisChecker(client RedisPinger) Checker {
	return NewFuncChecker("redis", func(ctx context.Context) error {
		if client == nil {
			return errNilClient
		}
		return client.Ping(ctx).Err()
	})
}

type checkError string

func (e checkError) Error() string { return string(e) }

const errNilClient = checkError("nil client")

// LoopHealth is implemented by LoopMonitor and by stream consumers.
type LoopHealth interface {
	Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string)
}

type loopChecker struct {
	name   string
	loop   LoopHealth
	maxAge time.Duration
}

// NewLoopChecker reports degraded when a background loop stops ticking.
func NewLoopChecker(name string, loop LoopHealth, maxAge time.Duration) Checker {
	return &loopChecker{name: name, loop: loop, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return c.name }

func (c *loopChecker) Check(ctx context.Context) CheckResult {
	if c.loop == nil {
		return CheckResult{Status: StatusDown, Message: "nil loop"}
	}
	ok, age, lastErr := c.loop.Healthy(time.Now(), c.maxAge)
	if ok {
		return CheckResult{Status: StatusUp, Message: lastErr}
	}
	msg := "stalled for " + age.String()
	if lastErr != "" {
		msg += ": " + lastErr
	}
	return CheckResult{Status: StatusDegraded, Message: msg}
}
