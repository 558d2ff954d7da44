package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// dialHTTPConnectProxy performs an HTTP CONNECT handshake. This is not
// covered by golang.org/x/net/proxy (which only implements SOCKS5), so
// it is hand-written here, kept as small as the SOCKS path it sits next
// to: dial the proxy, send CONNECT, read the status line, then hand back
// the raw connection — the proxy's involvement ends there, same detach
// property as the SOCKS backend.
func dialHTTPConnectProxy(ctx context.Context, addr string, cfg ProxyConfig, dialer *net.Dialer) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(cfg.Host, cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if cfg.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Pass))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		// The proxy shouldn't pipeline extra bytes ahead of the tunnel,
		// but guard against it rather than silently dropping data.
		conn.Close()
		return nil, fmt.Errorf("proxy sent unexpected data after CONNECT")
	}

	return conn, nil
}
