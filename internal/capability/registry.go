// Package capability tracks scribe nodes sharing a bus. Each node announces
// what it offers and then heartbeats its session state; peers that stop
// heartbeating are reported unhealthy.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// StateOffline is sent by a node that is shutting down.
const StateOffline = "offline"

// Capability is one feature a node offers, such as "capture" or "stt".
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	State        string       `json:"state,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// presence is the payload of both announcements and heartbeats. Only
// announcements carry Role and Capabilities.
type presence struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	State        string       `json:"state,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Describe derives the capabilities this process advertises from its config.
func Describe(cfg config.Config) []Capability {
	caps := []Capability{
		{Name: "capture", Attributes: map[string]string{
			"driver": cfg.Capture.Driver,
			"format": cfg.Capture.Format,
		}},
		{Name: "stt", Attributes: map[string]string{
			"mode":     cfg.STT.Mode,
			"language": cfg.STT.Language,
		}},
	}
	if cfg.LLM.Enabled {
		caps = append(caps, Capability{Name: "interview", Attributes: map[string]string{"mode": cfg.LLM.Mode}})
	}
	return caps
}

type Registry struct {
	cfg    config.NodeConfig
	caps   []Capability
	state  func() string
	log    *slog.Logger
	bus    *bus.Client
	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// newPeer is signalled when an announcement arrives from a node we had
	// not seen, so it learns about us without waiting for a restart.
	newPeer chan struct{}

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewRegistry subscribes to presence subjects, announces the local node and
// starts heartbeating. state is sampled for every heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, state func() string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if state == nil {
		state = func() string { return "" }
	}
	r := &Registry{
		cfg:     cfg,
		caps:    caps,
		state:   state,
		log:     log.With(slog.String("component", "node-registry"), slog.String("node", cfg.ID)),
		bus:     busClient,
		newPeer: make(chan struct{}, 1),
		nodes:   make(map[string]*NodeInfo),
	}
	if err := r.registerMetrics(otel.Meter("github.com/loqalabs/loqa-scribe/capability")); err != nil {
		r.log.Warn("failed to register node metrics", slogError(err))
	}

	conn := busClient.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectNodeAnnounce:              r.onAnnounce,
		protocol.SubjectNodeHeartbeatPrefix + "*": r.onHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			r.drain()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	r.wg.Add(1)
	go r.run(ctx)
	r.log.Info("node registry started", slog.Int("capabilities", len(caps)))
	return r, nil
}

// Close stops heartbeating and tells peers this node is going away.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if err := r.publish(protocol.SubjectNodeHeartbeatPrefix+r.cfg.ID, presence{State: StateOffline}); err != nil {
		r.log.Debug("offline notice not sent", slogError(err))
	}
	r.drain()
}

func (r *Registry) drain() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	beat := time.NewTicker(interval)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := r.publish(protocol.SubjectNodeHeartbeatPrefix+r.cfg.ID, presence{State: r.state()}); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
			r.evaluateHealth(time.Now())
		case <-r.newPeer:
			if err := r.announce(); err != nil {
				r.log.Warn("failed to re-announce node", slogError(err))
			}
		}
	}
}

func (r *Registry) announce() error {
	return r.publish(protocol.SubjectNodeAnnounce, presence{
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		State:        r.state(),
	})
}

func (r *Registry) publish(subject string, p presence) error {
	p.NodeID = r.cfg.ID
	p.Timestamp = time.Now().UTC()
	if err := r.bus.PublishJSON(subject, p); err != nil {
		return err
	}
	// The local node is recorded directly; our own messages may arrive after
	// a peer's query.
	r.observe(p)
	return nil
}

func (r *Registry) onAnnounce(msg *nats.Msg) {
	p, ok := r.decode(msg)
	if !ok || p.NodeID == r.cfg.ID {
		return
	}
	if r.observe(p) {
		r.log.Info("peer discovered", slog.String("peer", p.NodeID), slog.String("role", p.Role))
		select {
		case r.newPeer <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) onHeartbeat(msg *nats.Msg) {
	p, ok := r.decode(msg)
	if !ok || p.NodeID == r.cfg.ID {
		return
	}
	r.observe(p)
}

func (r *Registry) decode(msg *nats.Msg) (presence, bool) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slogError(err))
		return p, false
	}
	if p.NodeID == "" {
		return p, false
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	return p, true
}

// observe records p and reports whether the node was previously unknown.
func (r *Registry) observe(p presence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, known := r.nodes[p.NodeID]
	if !known {
		node = &NodeInfo{ID: p.NodeID}
		r.nodes[p.NodeID] = node
	}
	if p.Role != "" {
		node.Role = p.Role
	}
	if len(p.Capabilities) > 0 {
		node.Capabilities = p.Capabilities
	}
	if p.State != "" {
		node.State = p.State
	}
	node.LastSeen = p.Timestamp
	node.Healthy = p.State != StateOffline
	return !known
}

func (r *Registry) evaluateHealth(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("peer", node.ID), slog.Time("last_seen", node.LastSeen))
		}
	}
}

// Healthy reports whether the local node has heartbeated within the timeout.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns known nodes sorted by id, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		if filter == nil || filter(*node) {
			out = append(out, *node)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithCapability keeps nodes that advertise name.
func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) registerMetrics(meter metric.Meter) error {
	known, err := meter.Int64ObservableGauge("loqa.nodes.known", metric.WithDescription("Scribe nodes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.nodes.healthy", metric.WithDescription("Scribe nodes seen within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.counts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) counts() (total, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
