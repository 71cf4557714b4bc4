package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is anything with a cheap liveness probe, e.g. the chain gateway.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scheduler reports on a background loop such as the reconciliation timer.
type Scheduler interface {
	Running() bool
	LastRun() time.Time
}

// DBChecker pings the database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// RedisChecker pings Redis.
func RedisChecker(client *redis.Client) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// RPCChecker probes the chain RPC endpoint.
func RPCChecker(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// ReconcilerChecker is unhealthy when the loop is stopped or its last pass
// is older than maxAge. A loop that has not completed a pass yet is healthy.
func ReconcilerChecker(s Scheduler, maxAge time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context) Status {
		if !s.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		last := s.LastRun()
		if last.IsZero() {
			return Status{Healthy: true, Detail: "no pass completed yet"}
		}
		if age := now().Sub(last); age > maxAge {
			return Status{Healthy: false, Detail: fmt.Sprintf("last pass %s ago", age.Round(time.Second))}
		}
		return Status{Healthy: true, Detail: "last pass " + last.UTC().Format(time.RFC3339)}
	}
}
