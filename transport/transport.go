// Package transport owns the control connection's socket plus an optional
// proxy backend, serializing outbound bytes through a spill buffer so the
// caller never blocks on a partial write.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/proxy"
)

// ProxyKind enumerates the proxy_type option from §6.
type ProxyKind int

const (
	ProxyNone ProxyKind = iota
	ProxySOCKS4
	ProxySOCKS5
	ProxyHTTP
)

// ProxyConfig mirrors the proxy_* configuration options.
type ProxyConfig struct {
	Kind ProxyKind
	Host string
	Port string
	User string
	Pass string
}

// EventKind identifies which socket event fired.
type EventKind int

const (
	EventConnection EventKind = iota
	EventConnectionNext
	EventRead
	EventWrite
	EventClose
)

// Event is delivered to the owner's handler for every socket transition.
type Event struct {
	Kind EventKind
	Err  error // set for EventClose: nil means closed by peer, non-nil means disconnected
}

// Handler receives transport events. Implementations must not block; the
// control socket's event loop dispatches these synchronously.
type Handler interface {
	OnSocketEvent(Event)
}

// Transport owns the control connection, an optional detachable proxy
// backend, and the outbound spill buffer.
type Transport struct {
	mu sync.Mutex

	conn    net.Conn
	handler Handler
	logger  *slog.Logger
	timeout time.Duration

	spill    []byte
	closed   bool
	closeErr error
}

// New wraps an already-established connection. Use Dial to also perform
// an optional proxy handshake first.
func New(conn net.Conn, handler Handler, timeout time.Duration, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Transport{conn: conn, handler: handler, timeout: timeout, logger: logger}
}

// Dial connects to addr, optionally through a proxy, and returns a
// Transport whose backend is already detached to the plain connection —
// by the time this returns, the proxy's I/O pass-through role is over and
// every subsequent Send/on_receive targets the real socket directly.
func Dial(ctx context.Context, addr string, cfg ProxyConfig, tlsConfig *tls.Config, timeout time.Duration, handler Handler, logger *slog.Logger) (*Transport, error) {
	addr, err := encodeIDNHost(addr)
	if err != nil {
		return nil, err
	}

	conn, err := dialThroughProxy(ctx, addr, cfg, timeout, handler)
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig)
		if timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake failed: %w", err)
		}
		conn = tlsConn
	}

	t := New(conn, handler, timeout, logger)
	t.emit(Event{Kind: EventConnection})
	return t, nil
}

// dialThroughProxy performs the proxy handshake if configured, and hands
// back a connection ready for direct use — golang.org/x/net/proxy already
// implements this "detach" property for SOCKS5: once Dial returns, the
// proxy's job is done and the returned net.Conn behaves like a plain one.
// That package has no SOCKS4 client, so ProxySOCKS4 is dialed with the
// same SOCKS5 handshake; a SOCKS4-only proxy is not supported.
func dialThroughProxy(ctx context.Context, addr string, cfg ProxyConfig, timeout time.Duration, handler Handler) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}

	switch cfg.Kind {
	case ProxyNone:
		return dialDirect(ctx, addr, dialer, handler)

	case ProxySOCKS4, ProxySOCKS5:
		proxyAddr := net.JoinHostPort(cfg.Host, cfg.Port)
		var auth *proxy.Auth
		if cfg.User != "" {
			auth = &proxy.Auth{User: cfg.User, Password: cfg.Pass}
		}
		d, err := proxy.SOCKS5("tcp", proxyAddr, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to configure proxy: %w", err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return d.Dial("tcp", addr)

	case ProxyHTTP:
		return dialHTTPConnectProxy(ctx, addr, cfg, dialer)

	default:
		return nil, fmt.Errorf("unsupported proxy type: %d", cfg.Kind)
	}
}

// dialDirect resolves addr's host to every address it maps to and tries
// each in turn, emitting EventConnectionNext (with the failed attempt's
// error) as it moves on to the next one — the direct-dial analogue of
// the original's CSocket looping through a hostname's address list.
// Hosts that resolve to a single address, or that fail to resolve at
// all, fall back to a plain single-shot dial.
func dialDirect(ctx context.Context, addr string, dialer *net.Dialer, handler Handler) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) < 2 {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	var lastErr error
	for i, ip := range ips {
		if i > 0 && handler != nil {
			handler.OnSocketEvent(Event{Kind: EventConnectionNext, Err: lastErr})
		}
		conn, dialErr := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, fmt.Errorf("failed to connect to any address for %s: %w", host, lastErr)
}

func (t *Transport) emit(ev Event) {
	if t.handler != nil {
		t.handler.OnSocketEvent(ev)
	}
}

// Send serializes outbound bytes: if there is no pending spill, it
// attempts a direct write. On full success it returns wouldBlock=true
// (the caller must await a subsequent write-ready continuation, matching
// §4.3's "returns wouldblock" contract for a fully accepted write). On
// partial success or EAGAIN-shaped errors, the unsent remainder is
// appended to the spill buffer for FlushSpill to drain later. Any other
// write error disconnects the transport.
func (t *Transport) Send(buf []byte) (wouldBlock bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, net.ErrClosed
	}

	if len(t.spill) > 0 {
		t.spill = append(t.spill, buf...)
		return true, nil
	}

	if t.timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	n, werr := t.conn.Write(buf)
	if werr != nil {
		if isTemporary(werr) {
			t.spill = append(t.spill, buf[n:]...)
			return true, nil
		}
		t.disconnectLocked(werr)
		return false, werr
	}
	if n < len(buf) {
		t.spill = append(t.spill, buf[n:]...)
		return true, nil
	}

	return true, nil
}

// FlushSpill is invoked from the write-ready event; it drains as much of
// the spill buffer as the socket accepts right now.
func (t *Transport) FlushSpill() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || len(t.spill) == 0 {
		return nil
	}

	if t.timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	n, err := t.conn.Write(t.spill)
	if n > 0 {
		t.spill = t.spill[n:]
	}
	if err != nil {
		if isTemporary(err) {
			return nil
		}
		t.disconnectLocked(err)
		return err
	}
	return nil
}

// HasSpill reports whether bytes are still queued for the next write-ready.
func (t *Transport) HasSpill() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spill) > 0
}

// Conn exposes the underlying connection for protocol drivers that need
// to read control-channel bytes directly (e.g. through a bufio.Reader).
func (t *Transport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Close closes the connection "by us" — no disconnect event is emitted,
// since the caller initiated the teardown deliberately.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// disconnectLocked transitions to disconnected and emits EventClose with
// the failing error; must be called with t.mu held.
func (t *Transport) disconnectLocked(cause error) {
	if t.closed {
		return
	}
	t.closed = true
	t.closeErr = cause
	_ = t.conn.Close()
	t.mu.Unlock()
	t.emit(Event{Kind: EventClose, Err: fmt.Errorf("disconnected: %w", cause)})
	t.mu.Lock()
}

// CloseByPeer is invoked by the driver's on_receive when the control
// connection reads EOF with no prior error — "closed by server", which
// §4.3 distinguishes from an actual disconnect.
func (t *Transport) CloseByPeer() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	_ = t.conn.Close()
	t.mu.Unlock()
	t.emit(Event{Kind: EventClose, Err: nil})
}

// encodeIDNHost converts a non-ASCII hostname in addr ("host:port") to its
// ASCII-compatible Punycode form before connecting (§6's "domain-name
// encoding"). Addresses that are already ASCII, or that fail to split into
// host/port (e.g. a bare hostname with no port), pass through unchanged.
func encodeIDNHost(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, nil
	}
	if isASCII(host) {
		return addr, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("failed to encode hostname %q: %w", host, err)
	}
	return net.JoinHostPort(ascii, port), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 128 {
			return false
		}
	}
	return true
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
