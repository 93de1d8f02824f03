// Package server implements the UDP datagram server: socket I/O, the
// connection table, per-packet-type routing, and the periodic sweep/
// eviction tasks. Grounded on the original AudioUdpServer's select-loop
// shape, adapted to a goroutine-per-concern model with a worker pool
// instead of a single async task.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/audiorelay/voicecore/internal/directory"
	"github.com/audiorelay/voicecore/internal/mixpool"
	"github.com/audiorelay/voicecore/internal/router"
	"github.com/audiorelay/voicecore/internal/wire"
)

// Config configures the datagram server.
type Config struct {
	BindAddress              string
	MaxPacketSize            int
	ConnectionTimeout        time.Duration
	MaxConcurrentConnections int
	LoopbackMode             bool
	IngressRatePerSec        float64
	IngressBurst             int
}

// DefaultConfig returns the spec's recognised defaults.
func DefaultConfig() Config {
	return Config{
		BindAddress:              ":9450",
		MaxPacketSize:            wire.MaxDatagramSize,
		ConnectionTimeout:        30 * time.Second,
		MaxConcurrentConnections: 4096,
		IngressRatePerSec:        200,
		IngressBurst:             400,
	}
}

// connection tracks a source endpoint's last known participant mapping.
type connection struct {
	userID    uuid.UUID
	channelID uuid.UUID
	lastSeen  time.Time
}

type ingressLimiter struct {
	mu      sync.Mutex
	entries map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

func newIngressLimiter(ratePerSec float64, burst int) *ingressLimiter {
	return &ingressLimiter{
		entries: make(map[string]*rate.Limiter),
		rate:    rate.Limit(ratePerSec),
		burst:   burst,
	}
}

func (l *ingressLimiter) allow(addr string) bool {
	l.mu.Lock()
	lim, ok := l.entries[addr]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.entries[addr] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Server is the UDP datagram server.
type Server struct {
	cfg       Config
	conn      *net.UDPConn
	router    *router.Router
	pool      *mixpool.Pool
	oracle    directory.MembershipOracle
	endpoints directory.RecipientDirectory
	limiter   *ingressLimiter
	nowFunc   func() time.Time

	mu          sync.RWMutex
	connections map[string]*connection

	droppedInvalidSource atomic64
	droppedRateLimited    atomic64
	droppedFraming        atomic64

	wg sync.WaitGroup
}

// atomic64 is a tiny counter wrapper kept local to avoid importing
// sync/atomic in every call site; see Stats for read access.
type atomic64 struct {
	mu sync.Mutex
	v  uint64
}

func (a *atomic64) add(n uint64) {
	a.mu.Lock()
	a.v += n
	a.mu.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// New creates a Server bound to no socket yet; call Start to bind and run.
func New(cfg Config, r *router.Router, pool *mixpool.Pool, oracle directory.MembershipOracle, endpoints directory.RecipientDirectory, nowFunc func() time.Time) *Server {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Server{
		cfg:         cfg,
		router:      r,
		pool:        pool,
		oracle:      oracle,
		endpoints:   endpoints,
		limiter:     newIngressLimiter(cfg.IngressRatePerSec, cfg.IngressBurst),
		nowFunc:     nowFunc,
		connections: make(map[string]*connection),
	}
}

// Start binds the UDP socket and launches the ingress loop and periodic
// sweep/eviction tasks. It returns once the socket is bound; long-running
// work continues in background goroutines until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.BindAddress)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	s.wg.Add(3)
	go s.ingressLoop(ctx)
	go s.sweepLoop(ctx)
	go s.evictLoop(ctx)

	slog.Info("datagram server listening", "bind_address", s.cfg.BindAddress, "loopback_mode", s.cfg.LoopbackMode)
	return nil
}

// Stop closes the socket and waits for background goroutines to exit.
func (s *Server) Stop() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Server) ingressLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.MaxPacketSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(s.nowFunc().Add(200 * time.Millisecond))
		n, srcAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // read timeout or transient error; never block ingress
		}

		if !s.limiter.allow(srcAddr.String()) {
			s.droppedRateLimited.add(1)
			continue
		}

		s.handlePacket(ctx, buf[:n], srcAddr)
	}
}

func (s *Server) handlePacket(ctx context.Context, raw []byte, srcAddr *net.UDPAddr) {
	p, err := wire.Decode(raw)
	if err != nil {
		s.droppedFraming.add(1)
		return
	}

	isMember, err := s.oracle.IsMember(ctx, p.Header.UserID, p.Header.ChannelID)
	if err != nil || !isMember {
		s.droppedInvalidSource.add(1)
		return
	}

	if !s.touchConnection(srcAddr, p.Header.UserID, p.Header.ChannelID) {
		s.droppedInvalidSource.add(1)
		return
	}

	switch p.Header.Type {
	case wire.TypeAudio:
		s.handleAudio(ctx, p, srcAddr)
	case wire.TypeAudioStart, wire.TypeAudioStop:
		s.forwardControl(ctx, p, srcAddr)
	case wire.TypeSilence:
		// never forwarded; no counter is kept for silence packets.
	case wire.TypeSync:
		s.conn.WriteToUDP(raw, srcAddr)
	}
}

// touchConnection upserts the connection table entry for addr. It refuses
// brand-new connections once MaxConcurrentConnections is reached; existing
// connections are always refreshed regardless of the cap.
func (s *Server) touchConnection(addr *net.UDPAddr, userID, channelID uuid.UUID) bool {
	key := addr.String()

	s.mu.Lock()
	_, existing := s.connections[key]
	if !existing && s.cfg.MaxConcurrentConnections > 0 && len(s.connections) >= s.cfg.MaxConcurrentConnections {
		s.mu.Unlock()
		return false
	}
	s.connections[key] = &connection{userID: userID, channelID: channelID, lastSeen: s.nowFunc()}
	s.mu.Unlock()

	s.endpoints.RegisterEndpoint(userID, addr)
	return true
}

func (s *Server) handleAudio(ctx context.Context, p *wire.AudioPacket, srcAddr *net.UDPAddr) {
	recipients, err := s.router.Ingest(ctx, p, srcAddr)
	if err != nil {
		s.droppedInvalidSource.add(1)
		return
	}

	if s.cfg.LoopbackMode {
		s.dispatch(p.Header.ChannelID, wire.Encode(p), []*net.UDPAddr{srcAddr})
		return
	}

	mode, err := s.router.DecideQualityMode(p.Header.ChannelID)
	if err == nil && mode == mixpoolSyncMode {
		s.mixAndDispatch(ctx, p.Header.UserID, p.Header.ChannelID, recipients)
		return
	}

	s.dispatch(p.Header.ChannelID, wire.Encode(p), recipients)
}

// mixpoolSyncMode is the quality mode that triggers synchronous mix-pool
// submission rather than raw forwarding, per the datagram server's routing
// rule for channels under synchronous-release policy.
const mixpoolSyncMode = router.ModeHigh

func (s *Server) mixAndDispatch(ctx context.Context, userID, channelID uuid.UUID, recipients []*net.UDPAddr) {
	packets, err := s.router.Drain(userID, channelID)
	if err != nil || len(packets) == 0 {
		return
	}

	resultCh, err := s.pool.Submit(channelID, packets, mixpool.PriorityNormal)
	if err != nil {
		return // QueueFull: counted inside the pool, ingress never blocks
	}

	select {
	case res := <-resultCh:
		if res.Dropped || res.Bytes == nil {
			return
		}
		s.dispatch(channelID, res.Bytes, recipients)
	case <-ctx.Done():
	}
}

func (s *Server) forwardControl(ctx context.Context, p *wire.AudioPacket, srcAddr *net.UDPAddr) {
	recipients, err := s.router.Ingest(ctx, p, srcAddr)
	if err != nil {
		return
	}
	s.dispatch(p.Header.ChannelID, wire.Encode(p), recipients)
}

func (s *Server) dispatch(channelID uuid.UUID, payload []byte, recipients []*net.UDPAddr) {
	sent := 0
	for _, addr := range recipients {
		if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
			continue // SendFailed: skip recipient, never fatal to the batch
		}
		sent++
	}
	s.router.RecordDispatch(channelID, sent, len(payload))
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := s.router.Sweep()
			if dropped > 0 {
				slog.Debug("router sweep dropped stale packets", "count", dropped)
			}
		}
	}
}

func (s *Server) evictLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Server) evictExpired() {
	cutoff := s.nowFunc().Add(-s.cfg.ConnectionTimeout)

	s.mu.Lock()
	var evicted []*connection
	for key, c := range s.connections {
		if c.lastSeen.Before(cutoff) {
			evicted = append(evicted, c)
			delete(s.connections, key)
		}
	}
	s.mu.Unlock()

	for _, c := range evicted {
		s.endpoints.UnregisterEndpoint(c.userID)
		s.router.RemoveMember(c.userID, c.channelID)
	}
	if len(evicted) > 0 {
		slog.Info("evicted inactive connections", "count", len(evicted))
	}
}

// Stats is a snapshot of server-level drop counters.
type Stats struct {
	DroppedInvalidSource uint64
	DroppedRateLimited   uint64
	DroppedFraming       uint64
	ActiveConnections    int
}

// Stats returns the server's current drop counters and connection count.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := len(s.connections)
	s.mu.RUnlock()

	return Stats{
		DroppedInvalidSource: s.droppedInvalidSource.load(),
		DroppedRateLimited:   s.droppedRateLimited.load(),
		DroppedFraming:       s.droppedFraming.load(),
		ActiveConnections:    active,
	}
}
