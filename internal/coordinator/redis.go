// Package coordinator provides Redis-backed control-plane replication
// across reactor instances: a Relay publishes locally applied commands
// on a cluster-wide Pub/Sub channel and applies commands published by
// sibling instances to its own reactor, and a Heartbeat tracks peer
// liveness. Running without a cluster config is the default and fully
// conformant — the coordinator is an additive layer that never
// participates in the per-session relay path.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/joao-brasil/tcpreactor/internal/command"
	"github.com/joao-brasil/tcpreactor/internal/config"
	"github.com/joao-brasil/tcpreactor/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	keyPeerSet    = "proxy:cluster:%s:peers"
	keyPeerHB     = "proxy:cluster:%s:peer:%s:heartbeat"
	channelOrders = "proxy:cluster:%s:orders"
)

// orderSender is the subset of proxy.CommandSender the relay needs;
// declared locally so this package does not import internal/proxy.
type orderSender interface {
	Send(order command.Order) error
}

// wireOrder is the JSON envelope published on the cluster channel. Cmd
// is one of the four command.Command concrete types, tagged by Kind so
// the receiver knows which one to unmarshal into.
type wireOrder struct {
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Cmd    json.RawMessage `json:"cmd,omitempty"`
}

// Relay publishes applied commands to, and applies commands received
// from, sibling reactor instances over Redis Pub/Sub.
type Relay struct {
	client     redis.UniversalClient
	cfg        config.ClusterConfig
	instanceID string
	sender     orderSender

	sub    *redis.PubSub
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRelay connects to Redis and returns a Relay ready to Start. sender
// is the local reactor's command channel: Orders received from peers
// are replayed onto it exactly as if a local operator had issued them.
func NewRelay(ctx context.Context, cfg *config.Config, sender orderSender) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Cluster.Addr,
		Password:     cfg.Cluster.Password,
		DB:           cfg.Cluster.DB,
		PoolSize:     cfg.Cluster.PoolSize,
		DialTimeout:  cfg.Cluster.DialTimeout,
		ReadTimeout:  cfg.Cluster.ReadTimeout,
		WriteTimeout: cfg.Cluster.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Cluster.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()

	r := &Relay{
		client:     client,
		cfg:        cfg.Cluster,
		instanceID: cfg.Reactor.InstanceID,
		sender:     sender,
		stopCh:     make(chan struct{}),
	}

	if err := r.registerPeer(ctx); err != nil {
		return nil, fmt.Errorf("registering peer: %w", err)
	}

	log.Printf("[coordinator] connected: cluster=%s instance=%s", r.cfg.Name, r.instanceID)
	return r, nil
}

func (r *Relay) registerPeer(ctx context.Context) error {
	return r.client.SAdd(ctx, fmt.Sprintf(keyPeerSet, r.cfg.Name), r.instanceID).Err()
}

// Start subscribes to the cluster's order channel and applies every
// order published by a sibling instance (never its own) to sender.
func (r *Relay) Start(ctx context.Context) {
	channel := fmt.Sprintf(channelOrders, r.cfg.Name)
	r.sub = r.client.Subscribe(ctx, channel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch := r.sub.Channel()
		for {
			select {
			case <-r.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.applyRemote(msg.Payload)
			}
		}
	}()
	log.Printf("[coordinator] subscribed to %s", channel)
}

func (r *Relay) applyRemote(payload string) {
	var wo wireOrder
	if err := json.Unmarshal([]byte(payload), &wo); err != nil {
		log.Printf("[coordinator] malformed order on channel: %v", err)
		return
	}
	if wo.Origin == r.instanceID {
		return
	}

	var cmd command.Command
	switch wo.Kind {
	case "add_tcp_front":
		var c command.AddTcpFront
		if err := json.Unmarshal(wo.Cmd, &c); err != nil {
			log.Printf("[coordinator] decode add_tcp_front: %v", err)
			return
		}
		cmd = c
	case "remove_tcp_front":
		var c command.RemoveTcpFront
		if err := json.Unmarshal(wo.Cmd, &c); err != nil {
			log.Printf("[coordinator] decode remove_tcp_front: %v", err)
			return
		}
		cmd = c
	case "add_instance":
		var c command.AddInstance
		if err := json.Unmarshal(wo.Cmd, &c); err != nil {
			log.Printf("[coordinator] decode add_instance: %v", err)
			return
		}
		cmd = c
	case "remove_instance":
		var c command.RemoveInstance
		if err := json.Unmarshal(wo.Cmd, &c); err != nil {
			log.Printf("[coordinator] decode remove_instance: %v", err)
			return
		}
		cmd = c
	default:
		log.Printf("[coordinator] unknown order kind %q from peer", wo.Kind)
		return
	}

	if err := r.sender.Send(command.WrapCommand(cmd)); err != nil {
		log.Printf("[coordinator] applying remote order failed: %v", err)
	}
}

// Publish fans an order this instance just applied locally out to every
// sibling instance on the cluster channel. Stop orders are never
// published: shutting down one instance must not shut down its peers.
func (r *Relay) Publish(ctx context.Context, order command.Order) error {
	if order.Stop {
		return nil
	}

	var kind string
	switch order.Cmd.(type) {
	case command.AddTcpFront:
		kind = "add_tcp_front"
	case command.RemoveTcpFront:
		kind = "remove_tcp_front"
	case command.AddInstance:
		kind = "add_instance"
	case command.RemoveInstance:
		kind = "remove_instance"
	default:
		return fmt.Errorf("publish: unsupported command type %T", order.Cmd)
	}

	raw, err := json.Marshal(order.Cmd)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	wo := wireOrder{Origin: r.instanceID, Kind: kind, Cmd: raw}
	payload, err := json.Marshal(wo)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	channel := fmt.Sprintf(channelOrders, r.cfg.Name)
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("publish: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("publish", "ok").Inc()
	return nil
}

// ActivePeers returns the set of instance IDs currently registered in
// the cluster, regardless of heartbeat freshness.
func (r *Relay) ActivePeers(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, fmt.Sprintf(keyPeerSet, r.cfg.Name)).Result()
}

// Close stops the subscription loop, deregisters this instance, and
// closes the Redis connection.
func (r *Relay) Close(ctx context.Context) error {
	close(r.stopCh)
	if r.sub != nil {
		r.sub.Close()
	}
	r.wg.Wait()

	r.client.SRem(ctx, fmt.Sprintf(keyPeerSet, r.cfg.Name), r.instanceID)
	r.client.Del(ctx, fmt.Sprintf(keyPeerHB, r.cfg.Name, r.instanceID))

	log.Printf("[coordinator] instance %s unregistered", r.instanceID)
	return r.client.Close()
}
