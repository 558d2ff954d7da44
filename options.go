package xferengine

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nolanwright/xferengine/dircache"
	"github.com/nolanwright/xferengine/transport"
)

// ThreadPool is the engine callback capability of the same name in §6: a
// place to run driver-level work (e.g. concurrent directory listings)
// without spawning an unbounded number of goroutines. It is distinct from
// C2's per-reader/writer worker, which §5 dedicates one goroutine to
// regardless of pool configuration.
type ThreadPool interface {
	Submit(func())
}

// goroutinePool is the default ThreadPool: every Submit gets its own
// goroutine. Adequate for the modest fan-out (listings, overwrite checks)
// this engine asks of it; a caller wanting a bounded pool supplies one via
// WithThreadPool.
type goroutinePool struct{}

func (goroutinePool) Submit(f func()) { go f() }

// Option configures an Engine at construction, mirroring the teacher's
// functional-options pattern (options.go) extended with the option set
// §6 enumerates.
type Option func(*Engine) error

// WithTimeout sets the control socket's idle timeout (§4.5). Zero disables
// timeout enforcement entirely.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("xferengine: negative timeout %v", d)
		}
		e.timeout = d
		return nil
	}
}

// WithProxy configures the transport-layer proxy backend (§4.3).
func WithProxy(kind transport.ProxyKind, host, port, user, pass string) Option {
	return func(e *Engine) error {
		e.proxy = transport.ProxyConfig{Kind: kind, Host: host, Port: port, User: user, Pass: pass}
		return nil
	}
}

// WithLogger sets the *slog.Logger threaded through every subcomponent.
// A nil logger is rejected with an error.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("xferengine: nil logger")
		}
		e.logger = logger
		return nil
	}
}

// WithRateLimiter installs a shared bandwidth limiter (the protocol
// drivers' transfer pumps wait on it for every chunk they move). Pass nil
// to disable limiting.
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(e *Engine) error {
		e.limiter = limiter
		return nil
	}
}

// WithDirectoryCache installs the directory-cache contract implementation
// (§1's "external, contract-only" cache). A nil cache leaves the engine
// without directory-listing memoization; overwrite decisions that need a
// cache lookup then always treat the target as absent.
func WithDirectoryCache(cache dircache.Cache) Option {
	return func(e *Engine) error {
		e.cache = cache
		return nil
	}
}

// WithThreadPool overrides the default one-goroutine-per-submit pool.
func WithThreadPool(pool ThreadPool) Option {
	return func(e *Engine) error {
		if pool == nil {
			return fmt.Errorf("xferengine: nil thread pool")
		}
		e.pool = pool
		return nil
	}
}

// WithNotificationSink installs the receiver for directory-listing,
// local-dir-created, file-exists, and async-request notifications (§6).
func WithNotificationSink(sink NotificationSink) Option {
	return func(e *Engine) error {
		if sink == nil {
			return fmt.Errorf("xferengine: nil notification sink")
		}
		e.sink = sink
		return nil
	}
}
