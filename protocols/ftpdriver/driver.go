// Package ftpdriver is an example protocol driver plugging FTP command/
// response handling into the operation-stack contract (opstack.Op). The
// core defines the contract; this package is one external collaborator
// that drives it, not part of the core itself.
package ftpdriver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/nolanwright/xferengine"
	"github.com/nolanwright/xferengine/charset"
	"github.com/nolanwright/xferengine/dircache"
	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/opstack"
	"github.com/nolanwright/xferengine/overwrite"
	"github.com/nolanwright/xferengine/pipeline"
	"github.com/nolanwright/xferengine/reply"
	"github.com/nolanwright/xferengine/transport"
)

// Cache lock reasons this driver acquires. Directory listings and
// mutating transfers are treated as mutually exclusive activity on the
// same remote directory (§4.6): a store in flight must not race a list
// that would report the file mid-upload, and vice versa.
const (
	reasonList     oplock.Reason = "list"
	reasonRetrieve oplock.Reason = "retrieve"
	reasonStore    oplock.Reason = "store"
)

// FileExistsAsker asks the user how to handle a pre-existing transfer
// target and blocks (from the driver's own goroutine, never the shared
// control socket's stack) until a reply arrives. The core's contract is
// asynchronous; this is the synchronous shape a simple driver needs.
type FileExistsAsker func(req overwrite.Request) overwrite.Reply

// Driver wires one FTP session's wire protocol into the core's
// operation-stack contract. It drives engine.CS directly and reads its
// collaborators (directory cache, rate limiter, logger) from the shared
// Engine rather than holding its own copies.
type Driver struct {
	conn    net.Conn
	reader  *bufio.Reader
	tr      *transport.Transport
	engine  *xferengine.Engine
	decoder *charset.Decoder
	server  string

	askFileExists FileExistsAsker
}

// Connect dials addr (optionally through a proxy, handled by
// transport.Dial) and pushes a KindConnect op onto engine.CS that reads
// the welcome banner and authenticates. engine must already be built
// (xferengine.New) with the arbiter, directory cache, rate limiter, and
// logger this connection should share with its siblings.
func Connect(addr, user, pass string, engine *xferengine.Engine, proxyCfg transport.ProxyConfig, askFileExists FileExistsAsker) (*Driver, error) {
	d := &Driver{
		engine:        engine,
		server:        addr,
		askFileExists: askFileExists,
	}

	tr, err := transport.Dial(context.Background(), addr, proxyCfg, nil, engine.Timeout(), d, engine.Logger())
	if err != nil {
		return nil, err
	}
	d.tr = tr
	d.conn = xferengine.NewDeadlineConn(tr.Conn(), engine.Timeout())
	d.reader = bufio.NewReader(d.conn)
	d.decoder = charset.New("", "", false)
	engine.CS.DoClose = func(code reply.Code) { _ = d.tr.Close() }

	connectOp := opstack.NewFuncOp(opstack.KindConnect, func() reply.Code {
		if _, err := d.readResponse(); err != nil {
			return reply.CRITICALERROR
		}
		if _, err := d.command("USER", user); err != nil {
			return reply.ERROR
		}
		resp, err := d.command("PASS", pass)
		if err != nil {
			return reply.ERROR
		}
		if !resp.Is2xx() {
			return reply.ERROR
		}
		return reply.OK
	}, nil)

	engine.CS.Push(connectOp)
	if code := engine.CS.SendNextCommand(); code.Has(reply.ERROR) {
		d.tr.Close()
		return nil, fmt.Errorf("ftpdriver: login failed: %v", code)
	}
	engine.StartLivenessTimer()
	return d, nil
}

// OnSocketEvent satisfies transport.Handler; a disconnect or peer close
// tears down the operation stack the same way a timeout would. A real
// transport error carries ERROR alongside DISCONNECTED (§4.3) so
// reset_operation delivers the failure to the parent instead of silently
// recursing as it would for a clean close.
func (d *Driver) OnSocketEvent(ev transport.Event) {
	if ev.Kind != transport.EventClose {
		return
	}
	code := reply.DISCONNECTED
	if ev.Err != nil {
		code = reply.ERROR | reply.DISCONNECTED
	}
	d.engine.CS.ResetOperation(code)
}

// readResponse blocks reading one control-channel response, running it
// through the charset fallback chain first.
func (d *Driver) readResponse() (*Response, error) {
	resp, err := readResponse(d.reader)
	if err != nil {
		return nil, err
	}
	text, _ := d.decoder.Decode([]byte(resp.Message))
	resp.Message = text
	d.engine.CS.SetAlive(time.Now())
	return resp, nil
}

// command writes one command line and blocks for its response. This
// package's driver is intentionally simple (a demonstration of the
// plug-in contract, not a full protocol implementation) so it drives the
// transport synchronously rather than through the spill/event path C3
// exposes for non-blocking callers.
func (d *Driver) command(name string, args ...string) (*Response, error) {
	line := name
	if len(args) > 0 {
		line = name + " " + strings.Join(args, " ")
	}
	if _, err := io.WriteString(d.conn, line+"\r\n"); err != nil {
		return nil, err
	}
	return d.readResponse()
}

// lockDirectory blocks until this connection holds the cache lock on
// (server, directory, reason), bridging the arbiter's event-driven wake
// (oplock.WakeFunc) into this driver's synchronous call style. Callers
// must push their op onto engine.CS first: TryLock marks holds_lock
// against the current top-of-stack frame so ResetOperation is guaranteed
// to release it later.
func (d *Driver) lockDirectory(directory string, reason oplock.Reason) {
	for {
		obtained := make(chan struct{})
		if d.engine.CS.TryLock(directory, reason, func() { close(obtained) }) {
			return
		}
		<-obtained
		if _, ok := d.engine.CS.ObtainLockFromEvent(); ok {
			return
		}
	}
}

// List pushes a KindList op that acquires the directory's cache lock,
// runs LIST over a passive-mode data connection, and updates the
// directory cache with the parsed entries.
func (d *Driver) List(remotePath string) ([]dircache.Entry, error) {
	var entries []dircache.Entry
	var opErr error

	listOp := opstack.NewFuncOp(opstack.KindList, func() reply.Code {
		d.lockDirectory(remotePath, reasonList)
		defer d.engine.CS.Unlock()

		var err error
		entries, err = d.listOnWire(remotePath)
		if err != nil {
			opErr = err
			return reply.ERROR
		}
		return reply.OK
	}, nil)

	d.engine.CS.Push(listOp)
	if code := d.engine.CS.SendNextCommand(); code.Has(reply.ERROR) {
		if opErr != nil {
			return nil, opErr
		}
		return nil, fmt.Errorf("ftpdriver: list failed: %v", code)
	}
	return entries, nil
}

// listOnWire is List's actual wire exchange, run while the caller holds
// the directory's cache lock.
func (d *Driver) listOnWire(remotePath string) ([]dircache.Entry, error) {
	resp, err := d.command("PASV")
	if err != nil || !resp.Is2xx() {
		return nil, fmt.Errorf("ftpdriver: PASV failed: %w", err)
	}
	dataAddr, err := parsePASV(resp.Message)
	if err != nil {
		return nil, err
	}
	dataAddr = resolveDataAddr(dataAddr, hostOf(d.conn.RemoteAddr().String()))

	dataConn, err := net.Dial("tcp", dataAddr)
	if err != nil {
		return nil, fmt.Errorf("ftpdriver: data dial failed: %w", err)
	}

	resp, err = d.command("LIST", remotePath)
	if err != nil || !(resp.Is1xx() || resp.Is2xx()) {
		dataConn.Close()
		return nil, fmt.Errorf("ftpdriver: LIST failed: %w", err)
	}

	entries, err := parseListing(dataConn, d.engine.RateLimiter())
	dataConn.Close()
	if err != nil {
		return nil, err
	}

	if _, err := d.readResponse(); err != nil {
		return nil, err
	}

	if cache := d.engine.DirectoryCache(); cache != nil {
		cache.Update(d.server, remotePath, entries)
	}
	d.engine.NotifyDirectoryListing(xferengine.DirectoryListingNotification{Path: remotePath, SentByListing: true})
	return entries, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Retrieve pushes a KindTransfer op (download) that acquires the
// directory's cache lock, running the overwrite decision engine first if
// the directory cache lists remoteFile and localFile already exists
// locally, then downloads remoteFile into it.
func (d *Driver) Retrieve(remoteFile, remotePath, localFile string, localStat overwrite.LocalStat) error {
	cache := d.engine.DirectoryCache()
	var entry dircache.Entry
	var cached bool
	if cache != nil {
		entry, cached = cache.Lookup(d.server, remotePath, path.Base(remoteFile))
	}

	xfer := &overwrite.Transfer{IsDownload: true, LocalFile: localFile, RemoteFile: remoteFile, RemotePath: remotePath}
	if cached {
		req := overwrite.Request{
			Download:        true,
			LocalFile:       localFile,
			RemoteFile:      remoteFile,
			RemotePath:      remotePath,
			RemoteSize:      entry.Size,
			RemoteTime:      entry.MTime,
			RemoteTimeKnown: entry.MTimeKnown,
			LocalSize:       overwrite.UnknownSize,
		}
		if local, exists, err := localStat(localFile); err == nil && exists {
			req.LocalSize = local.Size
			req.LocalTime = local.MTime
			req.LocalTimeKnown = local.MTimeKnown
			req.CanResume = true
		}
		if req.LocalSize != overwrite.UnknownSize && d.askFileExists != nil {
			d.engine.NotifyFileExists(xferengine.FileExistsNotification{Request: req})
			for {
				userReply := d.askFileExists(req)
				res, err := overwrite.Decide(userReply, &req, xfer, d.engine.OverwriteDeps(localStat))
				if err != nil {
					return err
				}
				if res.Decision == overwrite.DecisionSkip {
					return nil
				}
				if res.Decision == overwrite.DecisionProceed {
					break
				}
				req = *res.NextRequest
				d.engine.NotifyFileExists(xferengine.FileExistsNotification{Request: req})
			}
		}
	}

	var opErr error
	retrieveOp := opstack.NewFuncOp(opstack.KindTransfer, func() reply.Code {
		d.lockDirectory(remotePath, reasonRetrieve)
		defer d.engine.CS.Unlock()

		if err := d.retrieveOnWire(xfer); err != nil {
			opErr = err
			return reply.ERROR
		}
		return reply.OK
	}, nil)
	retrieveOp.SetIsDownload(true)

	d.engine.CS.Push(retrieveOp)
	if code := d.engine.CS.SendNextCommand(); code.Has(reply.ERROR) {
		if opErr != nil {
			return opErr
		}
		return fmt.Errorf("ftpdriver: retrieve failed: %v", code)
	}
	return nil
}

// retrieveOnWire is Retrieve's actual wire exchange, run while the caller
// holds the directory's cache lock.
func (d *Driver) retrieveOnWire(xfer *overwrite.Transfer) error {
	resp, err := d.command("PASV")
	if err != nil || !resp.Is2xx() {
		return fmt.Errorf("ftpdriver: PASV failed: %w", err)
	}
	dataAddr, err := parsePASV(resp.Message)
	if err != nil {
		return err
	}
	dataConn, err := net.Dial("tcp", resolveDataAddr(dataAddr, hostOf(d.conn.RemoteAddr().String())))
	if err != nil {
		return err
	}
	defer dataConn.Close()

	var offset int64
	if xfer.Resume {
		offset = xfer.LocalSize
		if _, err := d.command("REST", fmt.Sprintf("%d", offset)); err != nil {
			return err
		}
	}

	resp, err = d.command("RETR", xfer.RemoteFile)
	if err != nil || !(resp.Is1xx() || resp.Is2xx()) {
		return fmt.Errorf("ftpdriver: RETR failed: %w", err)
	}

	cmdID := d.engine.NextCommandID()
	onDirCreated := func(path string) { d.engine.NotifyLocalDirCreated(xferengine.LocalDirCreatedNotification{Path: path}) }
	writer, err := pipeline.OpenFileWriter(xfer.LocalFile, offset, 4, 32*1024, false, onDirCreated, d.engine.Logger())
	if err != nil {
		return err
	}
	defer writer.Close()

	onProgress := func(n int64) {
		d.engine.SetTransferStatus(xferengine.TransferStatus{CommandID: cmdID, BytesTransferred: offset + n})
	}
	if err := pumpReaderToWriter(dataConn, writer, d.engine.RateLimiter(), onProgress); err != nil {
		return err
	}

	_, err = d.readResponse()
	return err
}

// Store pushes a KindTransfer op (upload) that acquires the directory's
// cache lock, running the overwrite decision engine first if the
// directory cache already lists a file with this name, then uploads
// localFile to remoteFile.
func (d *Driver) Store(localFile, remotePath, remoteFile string) error {
	xfer := &overwrite.Transfer{IsDownload: false, LocalFile: localFile, RemoteFile: remoteFile, RemotePath: remotePath}

	if cache := d.engine.DirectoryCache(); cache != nil && d.askFileExists != nil {
		if entry, ok := cache.Lookup(d.server, remotePath, remoteFile); ok {
			info, err := os.Stat(localFile)
			if err != nil {
				return err
			}
			req := overwrite.Request{
				Download:        false,
				LocalFile:       localFile,
				RemoteFile:      remoteFile,
				RemotePath:      remotePath,
				RemoteSize:      entry.Size,
				RemoteTime:      entry.MTime,
				RemoteTimeKnown: entry.MTimeKnown,
				LocalSize:       info.Size(),
				LocalTime:       info.ModTime(),
				LocalTimeKnown:  true,
				CanResume:       true,
			}
			d.engine.NotifyFileExists(xferengine.FileExistsNotification{Request: req})
			for {
				userReply := d.askFileExists(req)
				res, err := overwrite.Decide(userReply, &req, xfer, d.engine.OverwriteDeps(nil))
				if err != nil {
					return err
				}
				if res.Decision == overwrite.DecisionSkip {
					return nil
				}
				if res.Decision == overwrite.DecisionProceed {
					break
				}
				req = *res.NextRequest
				d.engine.NotifyFileExists(xferengine.FileExistsNotification{Request: req})
			}
		}
	}

	var opErr error
	var storeOp *opstack.FuncOp
	storeOp = opstack.NewFuncOp(opstack.KindTransfer, func() reply.Code {
		d.lockDirectory(remotePath, reasonStore)
		defer d.engine.CS.Unlock()

		if err := d.storeOnWire(localFile, remotePath, xfer.RemoteFile); err != nil {
			opErr = err
			return reply.ERROR
		}
		storeOp.SetTransferInitiated(true)
		return reply.OK
	}, nil)
	storeOp.SetIsDownload(false)

	d.engine.CS.Push(storeOp)
	if code := d.engine.CS.SendNextCommand(); code.Has(reply.ERROR) {
		if opErr != nil {
			return opErr
		}
		return fmt.Errorf("ftpdriver: store failed: %v", code)
	}
	return nil
}

// storeOnWire is Store's actual wire exchange, run while the caller
// holds the directory's cache lock.
func (d *Driver) storeOnWire(localFile, remotePath, remoteFile string) error {
	resp, err := d.command("PASV")
	if err != nil || !resp.Is2xx() {
		return fmt.Errorf("ftpdriver: PASV failed: %w", err)
	}
	dataAddr, err := parsePASV(resp.Message)
	if err != nil {
		return err
	}
	dataConn, err := net.Dial("tcp", resolveDataAddr(dataAddr, hostOf(d.conn.RemoteAddr().String())))
	if err != nil {
		return err
	}
	defer dataConn.Close()

	target := path.Join(remotePath, remoteFile)
	resp, err = d.command("STOR", target)
	if err != nil || !(resp.Is1xx() || resp.Is2xx()) {
		return fmt.Errorf("ftpdriver: STOR failed: %w", err)
	}

	fileReader, err := pipeline.OpenFileReader(localFile, 0, 4, 32*1024, d.engine.Logger())
	if err != nil {
		return err
	}
	defer fileReader.Close()

	cmdID := d.engine.NextCommandID()
	onProgress := func(n int64) {
		d.engine.SetTransferStatus(xferengine.TransferStatus{CommandID: cmdID, BytesTransferred: n})
	}
	if err := pumpFileReaderToWriter(fileReader, dataConn, d.engine.RateLimiter(), onProgress); err != nil {
		return err
	}

	if _, err := d.readResponse(); err != nil {
		return err
	}

	d.engine.StageDirectoryEntry(remotePath, dircache.Entry{Name: remoteFile})
	return nil
}

// Close tears down the control connection deliberately.
func (d *Driver) Close() error {
	d.engine.StopLivenessTimer()
	d.command("QUIT")
	return d.tr.Close()
}
