package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	imNats "sudooom.im.chatsync/internal/nats"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Probe 单个依赖的探测函数
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe Probe
}

// Checker 健康检查器
type Checker struct {
	probes  []namedProbe
	timeout time.Duration
}

// NewChecker 创建健康检查器
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Add 注册依赖探测
func (h *Checker) Add(name string, probe Probe) *Checker {
	h.probes = append(h.probes, namedProbe{name: name, probe: probe})
	return h
}

// Check 并发执行全部探测
func (h *Checker) Check(ctx context.Context) map[string]string {
	status := make(map[string]string, len(h.probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			s := StatusConnected
			if err := p.probe(pctx); err != nil {
				s = StatusDisconnected
			}
			mu.Lock()
			status[p.name] = s
			mu.Unlock()
		}()
	}
	wg.Wait()
	return status
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return healthy(h.Check(ctx))
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if healthy(status) {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Ready 就绪检查端点
func (h *Checker) Ready(w http.ResponseWriter, r *http.Request) {
	if h.IsHealthy(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not Ready"))
	}
}

func healthy(status map[string]string) bool {
	for _, s := range status {
		if s != StatusConnected {
			return false
		}
	}
	return true
}

// NATSProbe NATS 连接状态
func NATSProbe(c *imNats.Client) Probe {
	return func(ctx context.Context) error {
		if !c.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	}
}

// RedisProbe Redis PING
func RedisProbe(client *redis.Client) Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// PostgresProbe PostgreSQL PING
func PostgresProbe(db *pgxpool.Pool) Probe {
	return db.Ping
}
