// Package main is the entrypoint for the TCP reactor proxy. It loads
// configuration, starts the reactor, seeds its routing table, and
// serves metrics and health HTTP endpoints until a shutdown signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-brasil/tcpreactor/internal/command"
	"github.com/joao-brasil/tcpreactor/internal/config"
	"github.com/joao-brasil/tcpreactor/internal/coordinator"
	"github.com/joao-brasil/tcpreactor/internal/health"
	"github.com/joao-brasil/tcpreactor/internal/metrics"
	"github.com/joao-brasil/tcpreactor/internal/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var configPath = flag.String("config", "configs/reactor.yaml", "Path to the bootstrap configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting TCP reactor proxy")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: instance=%s max_connections=%d fronts=%d instances=%d",
		cfg.Reactor.InstanceID, cfg.Reactor.MaxConnections, len(cfg.Fronts), len(cfg.Instances))

	// ─── Metrics HTTP server ──────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Reactor.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] metrics server listening on :%d/metrics", cfg.Reactor.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	// ─── Reactor ──────────────────────────────────────────────────────
	replyCh := make(chan command.Reply, 64)
	sender, join, err := proxy.StartListener(cfg.Reactor.MaxListeners, cfg.Reactor.MaxConnections, replyCh)
	if err != nil {
		log.Fatalf("[main] failed to start reactor: %v", err)
	}
	go logReplies(replyCh)

	// ─── Cluster coordination (optional) ──────────────────────────────
	var relay *coordinator.Relay
	var hb *coordinator.Heartbeat
	if cfg.Cluster.Enabled {
		relay, err = coordinator.NewRelay(context.Background(), cfg, sender)
		if err != nil {
			log.Fatalf("[main] failed to initialize cluster coordinator: %v", err)
		}
		relay.Start(context.Background())
		hb = coordinator.NewHeartbeat(relay)
		hb.Start(context.Background())
		log.Printf("[main] cluster coordination enabled: cluster=%s", cfg.Cluster.Name)
	}

	// ─── Health HTTP server ───────────────────────────────────────────
	checker := health.NewChecker(cfg, sender)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] health check server listening on :%d/health", cfg.Reactor.HealthCheckPort)

	// ─── Seed routing table from bootstrap config ─────────────────────
	for _, f := range cfg.Fronts {
		seedCommand(sender, relay, command.AddTcpFront{Port: f.Port, AppID: f.AppID})
	}
	for _, inst := range cfg.Instances {
		seedCommand(sender, relay, command.AddInstance{
			AppID:     inst.AppID,
			IPAddress: inst.IPAddress,
			Port:      inst.Port,
		})
	}

	// ─── Graceful shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] reactor is ready, waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] received signal %v, shutting down gracefully...", sig)

	if err := sender.Send(command.StopOrder); err != nil {
		log.Printf("[main] failed to send stop order: %v", err)
	}
	join.Wait()
	log.Println("[main] reactor event loop stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if hb != nil {
		hb.Stop()
	}
	if relay != nil {
		if err := relay.Close(shutdownCtx); err != nil {
			log.Printf("[main] coordinator close error: %v", err)
		}
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] health checker close error: %v", err)
	}

	log.Println("[main] shutdown complete")
}

// seedCommand applies a bootstrap command locally and, in cluster
// mode, fans it out to sibling instances.
func seedCommand(sender *proxy.CommandSender, relay *coordinator.Relay, cmd command.Command) {
	order := command.WrapCommand(cmd)
	if err := sender.Send(order); err != nil {
		log.Printf("[main] failed to seed command %#v: %v", cmd, err)
		return
	}
	if relay != nil {
		if err := relay.Publish(context.Background(), order); err != nil {
			log.Printf("[main] failed to publish seeded command to cluster: %v", err)
		}
	}
}

func logReplies(replyCh <-chan command.Reply) {
	for reply := range replyCh {
		log.Printf("[main] reply: %s app_id=%s", reply.Kind, reply.AppID)
	}
}
