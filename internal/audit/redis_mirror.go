// Redis-backed mirror for audit entries.
//
// In a single-process deployment the JSONL files are the only audit
// artifact. When a Redis address is configured, every log line is also
// published on a Redis Pub/Sub channel so external observers (dashboards,
// compliance collectors) can tail the gateway without touching its disk.
// The mirror is observe-only: routing never depends on it, and publish
// failures degrade to file-only logging.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// RedisMirror publishes audit lines to Redis Pub/Sub channels named
// <prefix><log>, e.g. "mew:audit:envelope-history".
type RedisMirror struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	warned bool
}

// NewRedisMirror connects to Redis and verifies the connection. An empty
// prefix defaults to "mew:audit:".
func NewRedisMirror(ctx context.Context, addr, prefix string) (*RedisMirror, error) {
	if prefix == "" {
		prefix = "mew:audit:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisMirror{client: client, prefix: prefix}, nil
}

// Publish sends one audit line to the log's channel. Failures are logged
// once per quiet period rather than per line.
func (m *RedisMirror) Publish(log string, line []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.client.Publish(ctx, m.prefix+log, line).Err(); err != nil {
		m.mu.Lock()
		if !m.warned {
			m.warned = true
			slog.Warn("[Audit] Redis mirror publish failed, continuing file-only", "error", err)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.warned = false
	m.mu.Unlock()
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
