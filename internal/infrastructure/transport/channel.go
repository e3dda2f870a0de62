package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	apperrors "github.com/orris-inc/flowlink/internal/shared/errors"
	"github.com/orris-inc/flowlink/internal/shared/goroutine"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// Channel owns the single duplex connection of one account.
type Channel struct {
	name    string
	baseURL string
	header  http.Header
	dialer  Dialer
	opts    Options
	logger  logger.Interface

	mu          sync.Mutex
	state       State
	conn        Conn
	target      string
	closing     bool
	expired     bool
	redirects   int
	authRetries int
	heartbeat   time.Duration
	watchdog    *time.Timer

	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener

	retry *backoff.ExponentialBackOff
	slow  *backoff.ExponentialBackOff

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewChannel creates a channel for rawURL. Nothing is dialed until Start.
func NewChannel(name, rawURL string, header http.Header, dialer Dialer, opts Options, log logger.Interface) *Channel {
	if header == nil {
		header = http.Header{}
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = writeWait
	}
	return &Channel{
		name:      name,
		baseURL:   rawURL,
		header:    header,
		dialer:    dialer,
		opts:      opts,
		logger:    log.With("channel", name),
		state:     StateConnecting,
		target:    rawURL,
		heartbeat: opts.HeartbeatInterval,
		retry:     jittered(opts.ReconnectBase, opts.ReconnectJitter),
		slow:      jittered(opts.SlowRetryBase, opts.SlowRetryJitter),
		done:      make(chan struct{}),
	}
}

// jittered returns a constant backoff yielding base + U(0, jitter).
func jittered(base, jitter time.Duration) *backoff.ExponentialBackOff {
	center := base + jitter/2
	b := &backoff.ExponentialBackOff{
		InitialInterval: center,
		MaxInterval:     center,
		Multiplier:      1,
	}
	if center > 0 {
		b.RandomizationFactor = float64(jitter/2) / float64(center)
	}
	b.Reset()
	return b
}

// Subscribe registers l for every subsequent event.
func (c *Channel) Subscribe(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start launches the connection loop. It returns immediately.
func (c *Channel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go c.run(ctx)
	})
}

// Done is closed once the channel has stopped for good.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the address the next dial targets.
func (c *Channel) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// SetHeartbeatInterval changes the expected ping period. The watchdog picks it
// up at the next ping.
func (c *Channel) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat = d
}

// Send writes frame as a text message. It returns false when the channel is
// not open or the write failed; the frame was not delivered in that case.
func (c *Channel) Send(frame []byte) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debugw("write failed", "error", err)
		return false
	}
	return true
}

// Close shuts the channel down intentionally. No reconnect is scheduled.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		cancel := c.cancel
		c.stopWatchdogLocked()
		c.mu.Unlock()

		// never started: nothing will close done
		c.startOnce.Do(func() {
			c.setState(StateStopped)
			close(c.done)
		})

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait))
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateStopped)

	for {
		if ctx.Err() != nil || c.isClosing() {
			return
		}

		delay, again := c.connectOnce(ctx)
		if !again {
			return
		}
		if delay > 0 {
			c.setState(StateReconnectWait)
			c.logger.Debugw("reconnect scheduled", "delay", delay)
			if !c.wait(ctx, delay) {
				return
			}
		}
	}
}

// connectOnce runs one dial and, when it succeeds, the connection's whole
// lifetime. It returns the delay before the next attempt, or false to stop.
func (c *Channel) connectOnce(ctx context.Context) (time.Duration, bool) {
	c.setState(StateConnecting)
	target := c.URL()

	conn, resp, err := c.dialer.Dial(ctx, target, c.header.Clone())
	if err != nil {
		if ctx.Err() != nil || c.isClosing() {
			return 0, false
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return c.handleUnexpectedResponse(target, resp, err)
		}
		c.logger.Warnw("connection failed", "url", target, "error", err)
		c.emit(Event{Kind: EventError, Err: err})
		return c.retry.NextBackOff(), true
	}

	if !c.open(conn) {
		_ = conn.Close()
		return 0, false
	}
	c.logger.Infow("channel opened", "url", target)
	c.emit(Event{Kind: EventOpened})

	readErr := c.readLoop(conn)
	return c.afterClose(conn, readErr)
}

func (c *Channel) open(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.redirects = 0
	c.authRetries = 0
	c.expired = false
	conn.SetPingHandler(c.pingHandler(conn))
	c.armWatchdogLocked(conn)
	return true
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			c.emit(Event{Kind: EventMessage, Data: data})
		}
	}
}

func (c *Channel) afterClose(conn Conn, readErr error) (time.Duration, bool) {
	c.mu.Lock()
	c.stopWatchdogLocked()
	c.conn = nil
	c.state = StateClosing
	closing := c.closing
	expired := c.expired
	c.expired = false
	c.mu.Unlock()
	_ = conn.Close()

	code := 0
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		code = closeErr.Code
	}

	if code == CloseEnrollmentRejected {
		c.logger.Errorw("enrollment rejected, channel stopped", "reason", closeErr.Text)
		c.emit(Event{Kind: EventError, Code: code, Err: apperrors.ErrEnrollmentRejected, Fatal: true})
		return 0, false
	}

	switch {
	case closing:
		c.emit(Event{Kind: EventClosed, Code: code})
		return 0, false
	case expired:
		c.emit(Event{Kind: EventError, Err: apperrors.ErrHeartbeatTimeout})
	case closeErr == nil:
		c.logger.Warnw("connection error", "error", readErr)
		c.emit(Event{Kind: EventError, Err: readErr})
	}

	c.logger.Infow("channel closed", "code", code)
	c.emit(Event{Kind: EventClosed, Code: code})
	return c.retry.NextBackOff(), true
}

// handleUnexpectedResponse applies the redirect, not-found and auth-retry
// rules to a handshake answered with a plain HTTP response.
func (c *Channel) handleUnexpectedResponse(target string, resp *http.Response, err error) (time.Duration, bool) {
	c.setState(StateUnexpectedResponse)
	herr := &apperrors.HandshakeError{
		Status:   resp.StatusCode,
		Location: resp.Header.Get("Location"),
		Err:      err,
	}

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect:
		if herr.Location == "" {
			break
		}
		c.mu.Lock()
		c.redirects++
		hops := c.redirects
		c.mu.Unlock()

		if hops > c.opts.MaxRedirects {
			c.logger.Warnw("too many redirects", "hops", hops, "location", herr.Location)
			break
		}
		next, perr := resolveLocation(target, herr.Location)
		if perr != nil {
			c.logger.Warnw("invalid redirect location", "location", herr.Location, "error", perr)
			break
		}
		c.logger.Infow("following redirect", "status", resp.StatusCode, "location", next, "hops", hops)
		c.mu.Lock()
		c.target = next
		c.mu.Unlock()
		return 0, true

	case http.StatusUnauthorized:
		c.mu.Lock()
		c.authRetries++
		attempts := c.authRetries
		c.mu.Unlock()

		if attempts > c.opts.MaxAuthRetries {
			c.logger.Errorw("authentication rejected too many times, channel stopped", "attempts", attempts)
			c.emit(Event{Kind: EventError, Code: resp.StatusCode, Err: apperrors.ErrAuthRetryExceeded, Fatal: true})
			return 0, false
		}
	}

	c.mu.Lock()
	c.redirects = 0
	c.target = c.baseURL
	c.mu.Unlock()

	c.logger.Warnw("unexpected handshake response", "status", resp.StatusCode, "url", target)
	c.emit(Event{Kind: EventError, Code: resp.StatusCode, Err: herr})
	return c.slow.NextBackOff(), true
}

func (c *Channel) pingHandler(conn Conn) func(string) error {
	return func(appData string) error {
		c.resetWatchdog(conn)
		c.emit(Event{Kind: EventPing, Data: []byte(appData)})

		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.opts.WriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}
}

func (c *Channel) resetWatchdog(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armWatchdogLocked(conn)
}

func (c *Channel) armWatchdogLocked(conn Conn) {
	c.stopWatchdogLocked()
	if c.heartbeat <= 0 || c.conn != conn {
		return
	}
	c.watchdog = time.AfterFunc(c.heartbeat*3/2, func() {
		c.expire(conn)
	})
}

func (c *Channel) expire(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.mu.Unlock()

	c.logger.Warnw("heartbeat timeout, dropping connection")
	_ = conn.Close()
}

func (c *Channel) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Channel) emit(ev Event) {
	c.listenersMu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer goroutine.Recover(c.logger, "channel-listener-"+ev.Kind.String())
			l(ev)
		}()
	}
}

func (c *Channel) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// resolveLocation resolves a redirect target against the current URL and
// keeps the WebSocket scheme.
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	next := base.ResolveReference(ref)
	switch next.Scheme {
	case "https":
		next.Scheme = "wss"
	case "http":
		next.Scheme = "ws"
	}
	return next.String(), nil
}
