package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

// ---------------------------------------------------------------------------
// Solana logsSubscribe dialer
// One WebSocket per endpoint, one logsSubscribe per watched program. Pool
// launches are reported as new_token, everything else as log.
// ---------------------------------------------------------------------------

var errStreamClosed = errors.New("solana: stream closed")

// Config configures the dialer.
type Config struct {
	ProgramIDs       []string      `yaml:"program_ids"`
	Commitment       string        `yaml:"commitment"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

// DefaultConfig returns mainnet defaults.
func DefaultConfig() Config {
	return Config{
		ProgramIDs:       DefaultProgramIDs(),
		Commitment:       "confirmed",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// Dialer implements monitor.Dialer for ProtocolSolanaWS endpoints.
type Dialer struct {
	cfg Config
	ws  websocket.Dialer
}

var _ monitor.Dialer = (*Dialer)(nil)

// NewDialer fills unset fields from DefaultConfig.
func NewDialer(cfg Config) *Dialer {
	def := DefaultConfig()
	if len(cfg.ProgramIDs) == 0 {
		cfg.ProgramIDs = def.ProgramIDs
	}
	if cfg.Commitment == "" {
		cfg.Commitment = def.Commitment
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	return &Dialer{
		cfg: cfg,
		ws:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// Dial connects and subscribes to every configured program. It returns once
// all subscriptions are confirmed.
func (d *Dialer) Dial(ctx context.Context, c chain.Chain, ep monitor.Endpoint) (monitor.Stream, error) {
	if c != chain.Solana {
		return nil, fmt.Errorf("solana: dial: %w: %s", chain.ErrUnsupportedChain, c)
	}

	conn, _, err := d.ws.DialContext(ctx, ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("solana: dial %s: %w", ep.URL, err)
	}

	pending, err := d.subscribe(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("solana: subscribe %s: %w", ep.URL, err)
	}

	log.Info().
		Str("endpoint", ep.URL).
		Int("programs", len(d.cfg.ProgramIDs)).
		Msg("solana: subscribed to program logs")

	return newStream(conn, ep.URL, d.cfg, pending), nil
}

// subscribe sends one logsSubscribe per program and waits for every
// confirmation. Notifications that arrive early are returned so the stream
// can replay them.
func (d *Dialer) subscribe(ctx context.Context, conn *websocket.Conn) ([][]byte, error) {
	waiting := make(map[int64]string, len(d.cfg.ProgramIDs))
	for i, pid := range d.cfg.ProgramIDs {
		id := int64(i + 1)
		req := map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  "logsSubscribe",
			"params": []any{
				map[string]any{"mentions": []string{pid}},
				map[string]any{"commitment": d.cfg.Commitment},
			},
		}
		if err := conn.WriteJSON(req); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
		waiting[id] = pid
	}

	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var pending [][]byte
	for len(waiting) > 0 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await confirmation: %w", err)
		}
		var resp struct {
			ID     *int64          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
			pending = append(pending, data)
			continue
		}
		pid, ok := waiting[*resp.ID]
		if !ok {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("program %s: rpc error %d: %s", short(pid), resp.Error.Code, resp.Error.Message)
		}
		delete(waiting, *resp.ID)
		log.Debug().Str("program", short(pid)).Str("sub_id", string(resp.Result)).Msg("solana: subscription confirmed")
	}
	return pending, nil
}

type frame struct {
	data []byte
	err  error
}

// stream reads frames on its own goroutine so Next can honour ctx.
type stream struct {
	conn     *websocket.Conn
	endpoint string
	frames   chan frame
	done     chan struct{}
	once     sync.Once
}

func newStream(conn *websocket.Conn, endpoint string, cfg Config, pending [][]byte) *stream {
	s := &stream{
		conn:     conn,
		endpoint: endpoint,
		frames:   make(chan frame, 64),
		done:     make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})
	go s.readLoop(cfg.ReadTimeout, pending)
	go s.pingLoop(cfg.PingInterval)
	return s
}

func (s *stream) readLoop(readTimeout time.Duration, pending [][]byte) {
	defer close(s.frames)
	for _, data := range pending {
		if !s.deliver(frame{data: data}) {
			return
		}
	}
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.deliver(frame{err: err})
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.deliver(frame{err: err})
			return
		}
		if !s.deliver(frame{data: data}) {
			return
		}
	}
}

func (s *stream) deliver(f frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Str("endpoint", s.endpoint).Msg("solana: ping failed")
				return
			}
		}
	}
}

// Next returns the next event. Read failures end the stream.
func (s *stream) Next(ctx context.Context) (bus.ChainEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return bus.ChainEvent{}, ctx.Err()
		case f, ok := <-s.frames:
			if !ok {
				return bus.ChainEvent{}, errStreamClosed
			}
			if f.err != nil {
				if websocket.IsCloseError(f.err, websocket.CloseNormalClosure) {
					log.Info().Str("endpoint", s.endpoint).Msg("solana: connection closed normally")
				}
				return bus.ChainEvent{}, fmt.Errorf("solana: read: %w", f.err)
			}
			ev, ok, err := Normalize(f.data, s.endpoint, time.Now())
			if err != nil {
				return bus.ChainEvent{}, err
			}
			if !ok {
				continue
			}
			if ev.Kind == bus.KindNewToken {
				log.Info().
					Str("sig", short(ev.Payload.TxHash)).
					Str("dex", ev.Payload.DEX).
					Uint64("slot", ev.Payload.Block).
					Msg("solana: pool launch detected")
			}
			return ev, nil
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
