// Package sftpdriver is a second example protocol driver, demonstrating
// that the operation-stack contract (opstack.Op) is protocol-agnostic:
// this one drives SFTP over an SSH session instead of the FTP wire
// protocol in protocols/ftpdriver.
package sftpdriver

import (
	"fmt"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nolanwright/xferengine"
	"github.com/nolanwright/xferengine/dircache"
	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/opstack"
	"github.com/nolanwright/xferengine/pipeline"
	"github.com/nolanwright/xferengine/reply"
)

// Cache lock reasons this driver acquires; see ftpdriver's identical
// constants for why list and transfer are kept mutually exclusive.
const (
	reasonList     oplock.Reason = "list"
	reasonRetrieve oplock.Reason = "retrieve"
	reasonStore    oplock.Reason = "store"
)

// Driver wraps one SFTP session and, like ftpdriver.Driver, plugs it into
// a shared Engine's ControlSocket rather than holding its own copies of
// the arbiter, directory cache, and rate limiter.
type Driver struct {
	sshConn *ssh.Client
	client  *sftp.Client
	engine  *xferengine.Engine
	server  string
}

// Connect dials addr over SSH with the given credentials, starts an SFTP
// subsystem session on top of it, and pushes a KindConnect op onto
// engine.CS. engine must already be built (xferengine.New) with the
// arbiter, directory cache, rate limiter, and logger this connection
// should share with its siblings.
func Connect(addr, user string, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback, engine *xferengine.Engine) (*Driver, error) {
	sshCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         engine.Timeout(),
	}

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("sftpdriver: ssh dial failed: %w", err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftpdriver: sftp session failed: %w", err)
	}

	d := &Driver{
		sshConn: conn,
		client:  client,
		engine:  engine,
		server:  addr,
	}
	// DoClose fires from inside the liveness timer's own goroutine on a
	// timeout (ControlSocket.TimerFired), so it must not route through
	// the public Close, which stops that same timer and would deadlock
	// waiting for its own goroutine to exit.
	engine.CS.DoClose = func(reply.Code) {
		client.Close()
		conn.Close()
	}

	connectOp := opstack.NewFuncOp(opstack.KindConnect, func() reply.Code { return reply.OK }, nil)
	engine.CS.Push(connectOp)
	if code := engine.CS.SendNextCommand(); code.Has(reply.ERROR) {
		d.Close()
		return nil, fmt.Errorf("sftpdriver: connect failed: %v", code)
	}
	engine.StartLivenessTimer()

	return d, nil
}

// lockDirectory blocks until this connection holds the cache lock on
// (server, directory, reason); see ftpdriver.Driver.lockDirectory for the
// event-bridging rationale. Callers must push their op onto engine.CS
// first.
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
// lists remotePath, and updates the shared directory cache, mirroring
// ftpdriver.Driver.List's contract so both drivers can back the same
// higher-level transfer queue.
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
		return nil, fmt.Errorf("sftpdriver: list failed: %v", code)
	}
	return entries, nil
}

func (d *Driver) listOnWire(remotePath string) ([]dircache.Entry, error) {
	infos, err := d.client.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sftpdriver: ReadDir failed: %w", err)
	}
	entries := make([]dircache.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, dircache.Entry{
			Name:       info.Name(),
			Size:       info.Size(),
			MTime:      info.ModTime(),
			MTimeKnown: true,
		})
	}
	if cache := d.engine.DirectoryCache(); cache != nil {
		cache.Update(d.server, remotePath, entries)
	}
	d.engine.NotifyDirectoryListing(xferengine.DirectoryListingNotification{Path: remotePath, SentByListing: true})
	return entries, nil
}

// Retrieve pushes a KindTransfer op (download) that acquires the parent
// directory's cache lock and downloads remoteFile via the ring-buffered
// file writer, exercising C1/C2 the same way ftpdriver's transfer path
// does.
func (d *Driver) Retrieve(remoteFile, localFile string) error {
	var opErr error
	directory := path.Dir(remoteFile)

	retrieveOp := opstack.NewFuncOp(opstack.KindTransfer, func() reply.Code {
		d.lockDirectory(directory, reasonRetrieve)
		defer d.engine.CS.Unlock()

		if err := d.retrieveOnWire(remoteFile, localFile); err != nil {
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
		return fmt.Errorf("sftpdriver: retrieve failed: %v", code)
	}
	return nil
}

func (d *Driver) retrieveOnWire(remoteFile, localFile string) error {
	src, err := d.client.Open(remoteFile)
	if err != nil {
		return fmt.Errorf("sftpdriver: open %s failed: %w", remoteFile, err)
	}
	defer src.Close()

	onDirCreated := func(path string) { d.engine.NotifyLocalDirCreated(xferengine.LocalDirCreatedNotification{Path: path}) }
	w, err := pipeline.OpenFileWriter(localFile, 0, 4, 32*1024, false, onDirCreated, d.engine.Logger())
	if err != nil {
		return err
	}
	defer w.Close()

	cmdID := d.engine.NextCommandID()
	total := int64(0)
	return pump(src, w, d.engine.RateLimiter(), func(n int) {
		total += int64(n)
		d.engine.SetTransferStatus(xferengine.TransferStatus{CommandID: cmdID, BytesTransferred: total})
	})
}

// Store pushes a KindTransfer op (upload) that acquires the parent
// directory's cache lock and uploads localFile to remoteFile.
func (d *Driver) Store(localFile, remoteFile string) error {
	var opErr error
	directory := path.Dir(remoteFile)

	var storeOp *opstack.FuncOp
	storeOp = opstack.NewFuncOp(opstack.KindTransfer, func() reply.Code {
		d.lockDirectory(directory, reasonStore)
		defer d.engine.CS.Unlock()

		if err := d.storeOnWire(localFile, remoteFile); err != nil {
			opErr = err
			return reply.ERROR
		}
		storeOp.SetTransferInitiated(true)
		return reply.OK
	}, nil)

	d.engine.CS.Push(storeOp)
	if code := d.engine.CS.SendNextCommand(); code.Has(reply.ERROR) {
		if opErr != nil {
			return opErr
		}
		return fmt.Errorf("sftpdriver: store failed: %v", code)
	}
	return nil
}

func (d *Driver) storeOnWire(localFile, remoteFile string) error {
	r, err := pipeline.OpenFileReader(localFile, 0, 4, 32*1024, d.engine.Logger())
	if err != nil {
		return err
	}
	defer r.Close()

	dst, err := d.client.Create(remoteFile)
	if err != nil {
		return fmt.Errorf("sftpdriver: create %s failed: %w", remoteFile, err)
	}
	defer dst.Close()

	cmdID := d.engine.NextCommandID()
	var total int64
	for {
		buf, ok := r.BlockingRead()
		if !ok {
			return r.Err()
		}
		if len(buf) == 0 {
			d.engine.StageDirectoryEntry(path.Dir(remoteFile), dircache.Entry{Name: path.Base(remoteFile)})
			return nil
		}
		if _, err := dst.Write(buf); err != nil {
			return err
		}
		total += int64(len(buf))
		d.engine.SetTransferStatus(xferengine.TransferStatus{CommandID: cmdID, BytesTransferred: total})
	}
}

// Close tears down the SFTP session and the underlying SSH connection.
func (d *Driver) Close() error {
	d.engine.StopLivenessTimer()
	d.client.Close()
	return d.sshConn.Close()
}
