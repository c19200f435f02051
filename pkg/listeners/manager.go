// Package listeners implements the protocol ingestion edge: syslog UDP/TCP,
// GELF UDP/TCP, Beats/Lumberjack, Fluent HTTP and the directory tailer.
// Each listener frames and (where the wire demands it) decompresses incoming
// data, then hands models.RawFrame values to the shared frame channel. A
// listener never blocks its socket on downstream backpressure: when the frame
// channel is full the frame is dropped and counted.
package listeners

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// Listener is one protocol endpoint with a blocking run loop.
type Listener interface {
	Name() string
	Run(ctx context.Context) error
}

// Counters tracks per-protocol frame statistics for the ingestion status
// endpoint. Prometheus carries the same numbers for scraping; this snapshot
// form serves the JSON API.
type Counters struct {
	mu     sync.Mutex
	frames map[string]*atomic.Int64
	errs   map[string]map[string]*atomic.Int64 // protocol → reason
	drops  map[string]*atomic.Int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{
		frames: make(map[string]*atomic.Int64),
		errs:   make(map[string]map[string]*atomic.Int64),
		drops:  make(map[string]*atomic.Int64),
	}
}

func (c *Counters) counter(m map[string]*atomic.Int64, key string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := m[key]
	if !ok {
		v = &atomic.Int64{}
		m[key] = v
	}
	return v
}

// Frame counts one accepted frame.
func (c *Counters) Frame(proto string) { c.counter(c.frames, proto).Add(1) }

// Error counts one malformed frame by reason.
func (c *Counters) Error(proto, reason string) {
	c.mu.Lock()
	byReason, ok := c.errs[proto]
	if !ok {
		byReason = make(map[string]*atomic.Int64)
		c.errs[proto] = byReason
	}
	v, ok := byReason[reason]
	if !ok {
		v = &atomic.Int64{}
		byReason[reason] = v
	}
	c.mu.Unlock()
	v.Add(1)
}

// Drop counts one frame dropped because the frame channel was full.
func (c *Counters) Drop(proto string) { c.counter(c.drops, proto).Add(1) }

// ProtocolStatus is the per-protocol snapshot served by the status endpoint.
type ProtocolStatus struct {
	Frames int64            `json:"frames"`
	Drops  int64            `json:"drops,omitempty"`
	Errors map[string]int64 `json:"errors,omitempty"`
}

// Snapshot returns all protocol counters.
func (c *Counters) Snapshot() map[string]ProtocolStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ProtocolStatus)
	for proto, v := range c.frames {
		st := out[proto]
		st.Frames = v.Load()
		out[proto] = st
	}
	for proto, v := range c.drops {
		st := out[proto]
		st.Drops = v.Load()
		out[proto] = st
	}
	for proto, byReason := range c.errs {
		st := out[proto]
		if st.Errors == nil {
			st.Errors = make(map[string]int64)
		}
		for reason, v := range byReason {
			st.Errors[reason] = v.Load()
		}
		out[proto] = st
	}
	return out
}

// Manager owns the enabled listener set and the shared frame channel.
type Manager struct {
	listeners []Listener
	frames    chan models.RawFrame
	counters  *Counters
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

// frameChannelSize buffers bursts between socket reads and the normalizer
// workers. Small relative to the ingest queue: sustained pressure belongs in
// the queue where the drop policy is level-aware.
const frameChannelSize = 8192

// NewManager builds the listener set from the protocol configuration.
// offsets may be nil; the file tailer then starts from the beginning of each
// file without persistence.
func NewManager(cfg config.ProtocolConfig, counters *Counters, m *metrics.Metrics, ops OpRecorder, offsets OffsetStore) *Manager {
	mgr := &Manager{
		frames:   make(chan models.RawFrame, frameChannelSize),
		counters: counters,
		metrics:  m,
	}

	if cfg.SyslogEnabled {
		mgr.listeners = append(mgr.listeners,
			NewSyslogUDP(cfg.BindAddr+":"+cfg.SyslogUDPPort, mgr),
			NewSyslogTCP(cfg.BindAddr+":"+cfg.SyslogTCPPort, mgr),
		)
	}
	if cfg.GELFEnabled {
		mgr.listeners = append(mgr.listeners,
			NewGELFUDP(cfg.BindAddr+":"+cfg.GELFUDPPort, mgr, ops),
			NewGELFTCP(cfg.BindAddr+":"+cfg.GELFTCPPort, mgr),
		)
	}
	if cfg.BeatsEnabled {
		mgr.listeners = append(mgr.listeners, NewBeats(cfg.BindAddr+":"+cfg.BeatsPort, mgr))
	}
	if cfg.FluentEnabled {
		mgr.listeners = append(mgr.listeners, NewFluent(cfg.BindAddr+":"+cfg.FluentPort, mgr))
	}
	if cfg.FileTailDir != "" {
		mgr.listeners = append(mgr.listeners, NewFileTailer(cfg.FileTailDir, mgr, offsets))
	}
	return mgr
}

// Frames returns the channel consumed by the normalizer pipeline.
func (m *Manager) Frames() <-chan models.RawFrame { return m.frames }

// AddListener appends a pre-built listener alongside the configured set.
func (m *Manager) AddListener(l Listener) { m.listeners = append(m.listeners, l) }

// Run starts every listener and blocks until all return. The frame channel
// is closed on exit so the pipeline drains and stops.
func (m *Manager) Run(ctx context.Context) error {
	for _, l := range m.listeners {
		l := l
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := l.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Listener exited", "listener", l.Name(), "error", err)
			}
		}()
		slog.Info("Listener started", "listener", l.Name())
	}
	m.wg.Wait()
	close(m.frames)
	return nil
}

// Deliver hands an externally produced frame (the HTTP ingest route) to the
// pipeline under the same never-block contract as the listeners.
func (m *Manager) Deliver(frame models.RawFrame) { m.deliver(frame) }

// deliver hands a frame to the pipeline, applying the never-block contract.
func (m *Manager) deliver(frame models.RawFrame) {
	select {
	case m.frames <- frame:
		m.counters.Frame(frame.Proto)
	default:
		m.counters.Drop(frame.Proto)
		m.metrics.FrameErrors.WithLabelValues(frame.Proto, "channel_full").Inc()
	}
}

// fail counts a malformed frame.
func (m *Manager) fail(proto, reason string) {
	m.counters.Error(proto, reason)
	m.metrics.FrameErrors.WithLabelValues(proto, reason).Inc()
}

// OpRecorder mirrors the ingest-side interface for operational events
// (reassembly timeouts surface through it).
type OpRecorder interface {
	RecordOp(ctx context.Context, channel, typ string, payload any)
}
