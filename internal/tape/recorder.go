package tape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"footprint-core/internal/events"
	"footprint-core/pkg/logger"
)

// Handshake opens a SignalR JSON protocol session.
const Handshake = `{"protocol":"json","version":1}` + RecordSeparator

const (
	pingFrame         = "{}"
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// FrameSink stores captured frames by receipt time.
type FrameSink interface {
	Append(receivedAt time.Time, frame string) error
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// URL of the hub, e.g. wss://host/hubs/chart.
	URL string
	// Token is sent as the access_token query parameter when set.
	Token string
	// Symbol names the capture tree; FeedSymbol is what the hub calls it.
	Symbol     string
	FeedSymbol string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Now        func() time.Time
}

// Recorder captures the raw hub stream into a FrameSink, reconnecting until
// its context ends. Frames are stored verbatim; decoding happens later.
type Recorder struct {
	cfg    RecorderConfig
	sink   FrameSink
	bus    *events.Bus
	logger *zap.Logger
	frames atomic.Int64
}

// NewRecorder creates a recorder.
func NewRecorder(cfg RecorderConfig, sink FrameSink, bus *events.Bus, log *zap.Logger) *Recorder {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FeedSymbol == "" {
		cfg.FeedSymbol = cfg.Symbol
	}
	return &Recorder{
		cfg:    cfg,
		sink:   sink,
		bus:    bus,
		logger: logger.OrNop(log).Named("recorder").With(zap.String("symbol", cfg.Symbol)),
	}
}

// Frames returns the number of frames stored since start.
func (r *Recorder) Frames() int64 { return r.frames.Load() }

// Run keeps a session open until ctx ends. It returns ctx.Err() on shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	backoff := r.cfg.MinBackoff
	for {
		started := r.cfg.Now()
		err := r.session(ctx)
		if ctx.Err() != nil {
			r.publish(false, nil)
			return ctx.Err()
		}
		r.publish(false, err)
		if r.cfg.Now().Sub(started) > r.cfg.MaxBackoff {
			backoff = r.cfg.MinBackoff
		}
		r.logger.Warn("session ended; reconnecting", zap.Error(err), zap.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}

func (r *Recorder) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse recorder url: %w", err)
	}
	if r.cfg.Token != "" {
		q := u.Query()
		q.Set("access_token", r.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// session runs one connection from dial to the first read error.
func (r *Recorder) session(ctx context.Context) error {
	endpoint, err := r.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := r.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(Handshake)); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	r.logger.Info("connected", zap.String("url", r.cfg.URL))
	r.publish(true, nil)

	subscribed := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("hub closed the connection")
			}
			return fmt.Errorf("read: %w", err)
		}
		frame := string(msg)
		if frame == pingFrame {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(pingFrame)); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}
		if !subscribed {
			// The first frame after the handshake is the hub's acknowledgement.
			if err := r.subscribe(conn); err != nil {
				return err
			}
			subscribed = true
		}
		if err := r.sink.Append(r.cfg.Now(), frame); err != nil {
			return fmt.Errorf("store frame: %w", err)
		}
		if n := r.frames.Add(1); n%1000 == 0 {
			r.publish(true, nil)
		}
	}
}

type invocation struct {
	Type         int    `json:"type"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
	InvocationID string `json:"invocationId"`
}

// SubscribeFrames returns the invocations that start the trade and quote streams.
func SubscribeFrames(feedSymbol string) ([]string, error) {
	calls := []invocation{
		{Type: 1, Target: "SubscribeTradeLogWithSpeed", Arguments: []any{feedSymbol, 0}},
		{Type: 1, Target: "SubscribeQuotesForSymbolWithSpeed", Arguments: []any{feedSymbol, 0}},
		{Type: 1, Target: "ServerTime", Arguments: []any{}},
	}
	out := make([]string, 0, len(calls))
	for i, call := range calls {
		call.InvocationID = strconv.Itoa(i + 1)
		b, err := json.Marshal(call)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b)+RecordSeparator)
	}
	return out, nil
}

func (r *Recorder) subscribe(conn *websocket.Conn) error {
	frames, err := SubscribeFrames(r.cfg.FeedSymbol)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	r.logger.Info("subscribed", zap.String("feed_symbol", r.cfg.FeedSymbol))
	return nil
}

func (r *Recorder) publish(connected bool, err error) {
	st := events.RecorderStatus{Symbol: r.cfg.Symbol, Connected: connected, Frames: r.frames.Load()}
	if err != nil {
		st.Error = err.Error()
	}
	r.bus.Publish(events.EventRecorderStatus, st)
}
