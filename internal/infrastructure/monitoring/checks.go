package monitoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"rillcast/internal/core/ports"
	"rillcast/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// AddTranscoderCheck verifies the transcoder binary can be resolved.
func (h *HealthChecker) AddTranscoderCheck(binary string, interval time.Duration) {
	h.AddCheck("transcoder", func(ctx context.Context) (bool, error) {
		if _, err := exec.LookPath(binary); err != nil {
			return false, fmt.Errorf("transcoder %q not found: %w", binary, err)
		}
		return true, nil
	}, interval, time.Second)
}

// AddOutputDirCheck verifies that segments can be written under dir.
func (h *HealthChecker) AddOutputDirCheck(dir string, interval time.Duration) {
	h.AddCheck("output_dir", func(ctx context.Context) (bool, error) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, err
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return false, fmt.Errorf("output directory not writable: %w", err)
		}
		name := f.Name()
		f.Close()
		return true, os.Remove(name)
	}, interval, time.Second)
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck lists active sessions as a liveness probe of the store.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListActive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSpawnBreakerCheck reports unhealthy while repeated transcoder spawn
// failures hold the breaker open.
func (h *HealthChecker) AddSpawnBreakerCheck(breaker *circuitbreaker.CircuitBreaker, interval time.Duration) {
	h.AddCheck("transcoder_spawn", func(ctx context.Context) (bool, error) {
		stats := breaker.Stats()
		if stats.State == circuitbreaker.StateOpen {
			return false, fmt.Errorf("spawn breaker open after %d failures since %s",
				stats.Failures, stats.StateChangeTime.Format(time.RFC3339))
		}
		return true, nil
	}, interval, time.Second)
}
