// Package health serves a liveness/readiness HTTP surface for the
// reactor: whether the event loop goroutine is running and responsive,
// and, in cluster mode, whether Redis is reachable. No back-end is
// ever probed — that remains entirely out of scope for the reactor.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/joao-brasil/tcpreactor/internal/config"
	"github.com/redis/go-redis/v9"
)

// Status is a component's health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single checked component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report returned by the HTTP surface.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// prober is the subset of proxy.CommandSender the checker needs.
type prober interface {
	Probe(timeout time.Duration) error
}

// Checker runs health checks against the reactor and, in cluster mode,
// Redis.
type Checker struct {
	cfg         *config.Config
	sender      prober
	redisClient *redis.Client
}

// NewChecker builds a checker for the reactor reachable through
// sender. A Redis client is created only when cluster mode is enabled.
func NewChecker(cfg *config.Config, sender prober) *Checker {
	c := &Checker{cfg: cfg, sender: sender}
	if cfg.Cluster.Enabled {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Cluster.Addr,
			Password:     cfg.Cluster.Password,
			DB:           cfg.Cluster.DB,
			DialTimeout:  cfg.Cluster.DialTimeout,
			ReadTimeout:  cfg.Cluster.ReadTimeout,
			WriteTimeout: cfg.Cluster.WriteTimeout,
		})
	}
	return c
}

// Close releases the checker's own Redis connection, if any.
func (c *Checker) Close() error {
	if c.redisClient == nil {
		return nil
	}
	return c.redisClient.Close()
}

// Check runs all configured component checks and returns a report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Reactor.InstanceID,
	}

	report.Components = append(report.Components, c.checkReactor())
	if c.redisClient != nil {
		report.Components = append(report.Components, c.checkRedis(ctx))
	}

	for _, comp := range report.Components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// checkReactor confirms the event loop is running by round-tripping a
// Probe order through its actual control channel.
func (c *Checker) checkReactor() ComponentHealth {
	start := time.Now()
	err := c.sender.Probe(2 * time.Second)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Name:    "reactor",
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    "reactor",
		Status:  StatusHealthy,
		Message: "event loop responsive",
		Latency: latency.String(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := c.redisClient.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// ServeHTTP starts the health check HTTP server in the background.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	writeReport := func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", writeReport)
	mux.HandleFunc("/health/ready", writeReport)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Reactor.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
