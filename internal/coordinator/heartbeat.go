package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/tcpreactor/internal/metrics"
)

// Heartbeat periodically refreshes this instance's liveness key in
// Redis and removes peers from the relay's peer set whose heartbeat
// has expired.
type Heartbeat struct {
	relay    *Relay
	interval time.Duration
	ttl      time.Duration
	stopCh   chan struct{}
}

// NewHeartbeat creates a heartbeat worker for the given relay.
func NewHeartbeat(relay *Relay) *Heartbeat {
	interval := relay.cfg.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := relay.cfg.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		relay:    relay,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.relay.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[heartbeat] started: interval=%s ttl=%s instance=%s",
		hb.interval, hb.ttl, hb.relay.instanceID)
}

// Stop signals the heartbeat loop to exit.
func (hb *Heartbeat) Stop() {
	close(hb.stopCh)
}

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.relay.wg.Done()

	hb.send(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	cleanupCounter := 0
	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.relay.stopCh:
			return
		case <-ticker.C:
			hb.send(ctx)
			cleanupCounter++
			if cleanupCounter%3 == 0 {
				hb.cleanupDeadPeers(ctx)
			}
		}
	}
}

// send refreshes this instance's heartbeat key with a TTL.
func (hb *Heartbeat) send(ctx context.Context) {
	key := fmt.Sprintf(keyPeerHB, hb.relay.cfg.Name, hb.relay.instanceID)
	if err := hb.relay.client.Set(ctx, key, time.Now().Unix(), hb.ttl).Err(); err != nil {
		log.Printf("[heartbeat] failed to send heartbeat: %v", err)
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}
	metrics.InstanceHeartbeat.WithLabelValues(hb.relay.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadPeers drops peers from the cluster's peer set whose
// heartbeat key has expired.
func (hb *Heartbeat) cleanupDeadPeers(ctx context.Context) {
	peers, err := hb.relay.ActivePeers(ctx)
	if err != nil {
		log.Printf("[heartbeat] failed to list peers: %v", err)
		return
	}

	for _, peerID := range peers {
		if peerID == hb.relay.instanceID {
			continue
		}

		key := fmt.Sprintf(keyPeerHB, hb.relay.cfg.Name, peerID)
		exists, err := hb.relay.client.Exists(ctx, key).Result()
		if err != nil || exists > 0 {
			continue
		}

		log.Printf("[heartbeat] peer %s appears dead, removing from cluster", peerID)
		hb.relay.client.SRem(ctx, fmt.Sprintf(keyPeerSet, hb.relay.cfg.Name), peerID)
		metrics.InstanceHeartbeat.WithLabelValues(peerID).Set(0)
	}
}
