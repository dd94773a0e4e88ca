package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // DecodeConfig for stills
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/dashcam/internal/frame"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

// SocketConfig configures the websocket bridge to an external camera.
type SocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectMax     time.Duration
	Header           http.Header
}

// SocketCamera receives JPEG stills from an external device over a
// websocket. Control messages are JSON-RPC requests sent as text frames;
// stills arrive as binary frames.
type SocketCamera struct {
	cfg    SocketConfig
	logger recorderlog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	settings Settings
	conn     *websocket.Conn
	writeMu  sync.Mutex

	frames     atomic.Int64
	badFrames  atomic.Int64
	mismatched atomic.Int64
	reconnects atomic.Int64
}

type configureParams struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
}

// NewSocketCamera creates a socket camera.
func NewSocketCamera(cfg SocketConfig, s Settings, logger recorderlog.Logger) *SocketCamera {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &SocketCamera{
		cfg:      cfg,
		settings: s,
		logger:   recorderlog.OrGlobal(logger, "camera.socket"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (c *SocketCamera) Name() string   { return "socket" }
func (c *SocketCamera) External() bool { return true }

// Configure stores s and forwards it to the device when connected.
func (c *SocketCamera) Configure(s Settings) error {
	if s.Width <= 0 || s.Height <= 0 || s.FrameRate <= 0 {
		return fmt.Errorf("invalid camera settings %dx%d@%.1f", s.Width, s.Height, s.FrameRate)
	}
	c.mu.Lock()
	c.settings = s
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.call(conn, "configure", configureParams{s.Width, s.Height, s.FrameRate})
}

// Open dials the device and starts the stream.
func (c *SocketCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx, c.settings)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *SocketCamera) dial(ctx context.Context, s Settings) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	if err := c.call(conn, "configure", configureParams{s.Width, s.Height, s.FrameRate}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.call(conn, "start", nil); err != nil {
		conn.Close()
		return nil, err
	}
	c.logger.Info("Socket camera connected", recorderlog.String("url", c.cfg.URL))
	return conn, nil
}

// call sends a JSON-RPC request. Replies are read by the delivery loop.
func (c *SocketCamera) call(conn *websocket.Conn, method string, params interface{}) error {
	req := &jsonrpc2.Request{
		Method: method,
		ID:     jsonrpc2.ID{Str: uuid.NewString(), IsString: true},
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		req.Params = (*json.RawMessage)(&raw)
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

// DeliverFrames reads stills until ctx is done, reconnecting with
// exponential backoff when the connection drops.
func (c *SocketCamera) DeliverFrames(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	defer stop()

	for {
		err := c.readLoop(conn, sink)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Socket camera disconnected", recorderlog.Error(err))

		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrNotOpen) {
				return nil
			}
			return err
		}
	}
}

func (c *SocketCamera) reconnect(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.mu.Lock()
		open, s := c.conn != nil, c.settings
		c.mu.Unlock()
		if !open {
			return backoff.Permanent(ErrNotOpen)
		}

		var err error
		conn, err = c.dial(ctx, s)
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("Reconnect failed", recorderlog.Error(err), recorderlog.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn == nil {
		// closed while we were dialing
		c.mu.Unlock()
		conn.Close()
		return nil, ErrNotOpen
	}
	c.conn.Close()
	c.conn = conn
	c.mu.Unlock()
	c.reconnects.Add(1)
	return conn, nil
}

func (c *SocketCamera) readLoop(conn *websocket.Conn, sink Sink) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				c.badFrames.Add(1)
				continue
			}
			// stills must match the configured size
			c.mu.Lock()
			want := c.settings
			c.mu.Unlock()
			if want.Width > 0 && (cfg.Width != want.Width || cfg.Height != want.Height) {
				c.mismatched.Add(1)
				continue
			}
			c.frames.Add(1)
			sink(frame.NewCompressed(data, cfg.Width, cfg.Height, time.Now(), nil))
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *SocketCamera) handleControl(data []byte) {
	var resp jsonrpc2.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Debug("Ignoring control message", recorderlog.Error(err))
		return
	}
	if resp.Error != nil {
		c.logger.Warn("Camera rejected request",
			recorderlog.String("id", resp.ID.String()),
			recorderlog.Int64("code", resp.Error.Code),
			recorderlog.String("message", resp.Error.Message))
	}
}

// Close stops the stream and closes the connection.
func (c *SocketCamera) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := c.call(conn, "stop", nil); err != nil {
		c.logger.Debug("Stop not delivered", recorderlog.Error(err))
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// Stats returns bridge counters
func (c *SocketCamera) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frames":     c.frames.Load(),
		"bad_frames": c.badFrames.Load(),
		"mismatched": c.mismatched.Load(),
		"reconnects": c.reconnects.Load(),
	}
}
