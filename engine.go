package xferengine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nolanwright/xferengine/dircache"
	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/opstack"
	"github.com/nolanwright/xferengine/overwrite"
	"github.com/nolanwright/xferengine/reply"
	"github.com/nolanwright/xferengine/transport"
)

// TransferStatus is the mutable "get/set transfer status" state §6's
// EngineCallbacks names: bytes moved so far and the command id of the
// operation currently driving a transfer, so a UI can render progress
// without reaching into the op-stack directly.
type TransferStatus struct {
	CommandID        uint64
	BytesTransferred int64
}

// Callbacks is the capability set §6 requires the core be able to reach:
// transfer status, notification delivery, async request numbering, the
// directory cache, the rate limiter, the thread pool, and the current
// command id. Engine implements it directly; the drivers under protocols/
// take the concrete *Engine.
type Callbacks interface {
	TransferStatus() TransferStatus
	SetTransferStatus(TransferStatus)
	NotifyDirectoryListing(DirectoryListingNotification)
	NotifyLocalDirCreated(LocalDirCreatedNotification)
	NotifyFileExists(FileExistsNotification) uint64
	NotifyAsyncRequest(payload any) AsyncRequestNotification
	DirectoryCache() dircache.Cache
	RateLimiter() *rate.Limiter
	ThreadPool() ThreadPool
	CurrentCommandID() uint64
}

// Engine is one control-socket connection: the operation stack (C4) plus
// the collaborators every op needs (lock arbiter, directory cache, rate
// limiter, timeout state, notification sink). A protocol driver
// (protocols/ftpdriver, protocols/sftpdriver) owns one Engine and pushes
// Op frames onto its ControlSocket as it drives the wire protocol.
type Engine struct {
	CS *opstack.ControlSocket

	server  string
	timeout time.Duration
	proxy   transport.ProxyConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	cache   dircache.Cache
	pool    ThreadPool
	sink    NotificationSink

	arbiter *oplock.Arbiter
	owner   oplock.Owner

	requests requestCounter

	statusMu sync.Mutex
	status   TransferStatus
	cmdID    atomic.Uint64

	pendingMu    sync.Mutex
	pendingEntry *stagedEntry

	timerMu   sync.Mutex
	timerQuit chan struct{}
	timerWg   sync.WaitGroup
}

// stagedEntry is the cache write a driver has queued for the moment its
// upload op resets successfully; ControlSocket.OnDirectoryListing only
// carries a path and two booleans, so the entry itself has to ride along
// out of band (see StageDirectoryEntry).
type stagedEntry struct {
	dir   string
	entry dircache.Entry
}

// livenessTick is how often the liveness timer wakes to call
// ControlSocket.TimerFired. TimerFired's own state machine (§4.5)
// decides whether anything is actually due; ticking faster than the
// configured timeout just bounds how late a timeout can be noticed.
const livenessTick = time.Second

// New builds an Engine for server, sharing arbiter (C6) with every other
// sibling connection to the same account, and identified within it by
// owner (see oplock.Owner — must be stable and comparable).
func New(arbiter *oplock.Arbiter, owner oplock.Owner, server string, opts ...Option) (*Engine, error) {
	if arbiter == nil {
		return nil, fmt.Errorf("xferengine: nil lock arbiter")
	}
	e := &Engine{
		server:  server,
		arbiter: arbiter,
		owner:   owner,
		logger:  slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		pool:    goroutinePool{},
		sink:    discardSink{},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.CS = opstack.New(arbiter, owner, server, e.timeout, e.logger)
	e.CS.OnDirectoryListing = e.onDirectoryListing
	return e, nil
}

// onDirectoryListing is ControlSocket's centralized post-upload hook
// (§4.4 step 3): apply any cache write the driver staged for this
// transfer, then notify. Centralizing here (instead of each driver
// calling DirectoryCache().UpdateEntry and NotifyDirectoryListing
// itself after a successful STOR/Create) means the policy runs exactly
// once, gated by ControlSocket's own IsDownload/TransferInitiated
// check, regardless of which protocol driver is attached.
func (e *Engine) onDirectoryListing(dirPath string, sentByListing, failed bool) {
	e.pendingMu.Lock()
	staged := e.pendingEntry
	e.pendingEntry = nil
	e.pendingMu.Unlock()

	if staged != nil && !failed && e.cache != nil {
		e.cache.UpdateEntry(e.server, staged.dir, staged.entry)
	}
	e.NotifyDirectoryListing(DirectoryListingNotification{Path: dirPath, SentByListing: sentByListing, Failed: failed})
}

// StageDirectoryEntry queues the cache entry a completing upload should
// write once its op resets with OK. A driver calls this from its wire
// code right before returning success; onDirectoryListing consumes it
// exactly once. It also sets ControlSocket's current path to dir so the
// notification it fires reports the right directory.
func (e *Engine) StageDirectoryEntry(dir string, entry dircache.Entry) {
	e.pendingMu.Lock()
	e.pendingEntry = &stagedEntry{dir: dir, entry: entry}
	e.pendingMu.Unlock()
	e.CS.SetCurrentPath(dir)
}

// StartLivenessTimer begins ticking ControlSocket.TimerFired (§4.5) so a
// stalled command actually times out instead of the state machine only
// ever running in tests. A no-op when no timeout was configured. Safe to
// call once per connection, after Connect succeeds.
func (e *Engine) StartLivenessTimer() {
	if e.timeout <= 0 {
		return
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timerQuit != nil {
		return
	}
	e.timerQuit = make(chan struct{})
	e.timerWg.Add(1)
	go e.runLivenessTimer(e.timerQuit)
}

func (e *Engine) runLivenessTimer(quit chan struct{}) {
	defer e.timerWg.Done()

	ticker := time.NewTicker(livenessTick)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			e.CS.TimerFired(now)
		}
	}
}

// StopLivenessTimer stops the liveness timer started by
// StartLivenessTimer and waits for its goroutine to exit. A no-op if the
// timer was never started. Called from a driver's Close.
func (e *Engine) StopLivenessTimer() {
	e.timerMu.Lock()
	quit := e.timerQuit
	e.timerQuit = nil
	e.timerMu.Unlock()

	if quit == nil {
		return
	}
	close(quit)
	e.timerWg.Wait()
}

// ProxyConfig returns the configured proxy backend for transport.Dial.
func (e *Engine) ProxyConfig() transport.ProxyConfig { return e.proxy }

// Timeout returns the configured control-channel idle timeout.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Logger returns the shared *slog.Logger every subcomponent was built with.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// TransferStatus returns the current transfer progress snapshot.
func (e *Engine) TransferStatus() TransferStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// SetTransferStatus replaces the transfer progress snapshot; called by a
// driver's pump loop as bytes move.
func (e *Engine) SetTransferStatus(s TransferStatus) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
}

// NotifyDirectoryListing forwards to the configured sink.
func (e *Engine) NotifyDirectoryListing(n DirectoryListingNotification) {
	e.sink.NotifyDirectoryListing(n)
}

// NotifyLocalDirCreated forwards to the configured sink.
func (e *Engine) NotifyLocalDirCreated(n LocalDirCreatedNotification) {
	e.sink.NotifyLocalDirCreated(n)
}

// NotifyFileExists allocates the next async request number, stamps it onto
// n, forwards it to the sink, and returns the number the caller must
// correlate against the eventual reply.
func (e *Engine) NotifyFileExists(n FileExistsNotification) uint64 {
	n.RequestNumber = e.requests.allocate()
	e.sink.NotifyFileExists(n)
	return n.RequestNumber
}

// NotifyAsyncRequest wraps payload in a fresh envelope (a uuid for
// cross-process correlation, plus the monotonic request number the
// op-stack matches replies against) and forwards it to the sink.
func (e *Engine) NotifyAsyncRequest(payload any) AsyncRequestNotification {
	n := AsyncRequestNotification{
		ID:            uuid.NewString(),
		RequestNumber: e.requests.allocate(),
		Payload:       payload,
	}
	e.sink.NotifyAsyncRequest(n)
	return n
}

// DirectoryCache returns the configured cache, or nil if none was wired.
func (e *Engine) DirectoryCache() dircache.Cache { return e.cache }

// RateLimiter returns the configured limiter, or nil for unlimited.
func (e *Engine) RateLimiter() *rate.Limiter { return e.limiter }

// ThreadPool returns the configured pool.
func (e *Engine) ThreadPool() ThreadPool { return e.pool }

// NextCommandID mints a new command id and makes it the current one.
func (e *Engine) NextCommandID() uint64 {
	id := e.cmdID.Add(1)
	return id
}

// CurrentCommandID returns the most recently minted command id.
func (e *Engine) CurrentCommandID() uint64 {
	return e.cmdID.Load()
}

// OverwriteDeps builds the overwrite.Deps this engine's cache and server
// satisfy, for a driver to pass to overwrite.Decide.
func (e *Engine) OverwriteDeps(localStat overwrite.LocalStat) overwrite.Deps {
	return overwrite.Deps{Cache: e.cache, Server: e.server, LocalStat: localStat}
}

// Cancel forwards to the control socket (§5's cancellation contract).
func (e *Engine) Cancel() reply.Code { return e.CS.Cancel() }
