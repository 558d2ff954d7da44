// Command xferclient is a minimal demonstration of wiring the core
// engine to the FTP driver: connect, list a directory, and download one
// file, printing the transferred byte count to stderr when it is done.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nolanwright/xferengine"
	"github.com/nolanwright/xferengine/dircache"
	"github.com/nolanwright/xferengine/internal/ratelimit"
	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/overwrite"
	"github.com/nolanwright/xferengine/protocols/ftpdriver"
	"github.com/nolanwright/xferengine/transport"
)

func main() {
	addr := flag.String("addr", "", "host:port of the FTP server")
	user := flag.String("user", "anonymous", "username")
	pass := flag.String("pass", "anonymous@", "password")
	remoteDir := flag.String("dir", "/", "remote directory to list")
	fetch := flag.String("get", "", "remote file to download from -dir")
	dest := flag.String("out", "", "local path for -get")
	rateLimit := flag.Int("rate", 0, "bytes/second cap, 0 for unlimited")
	timeout := flag.Duration("timeout", 30*time.Second, "control-channel timeout")
	flag.Parse()

	if *addr == "" {
		fmt.Fprintln(os.Stderr, "xferclient: -addr is required")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cache, err := dircache.NewRistrettoCache(1 << 20)
	if err != nil {
		logger.Error("failed to build directory cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	arbiter := oplock.New()

	engine, err := xferengine.New(arbiter, *addr, *addr,
		xferengine.WithTimeout(*timeout),
		xferengine.WithDirectoryCache(cache),
		xferengine.WithRateLimiter(ratelimit.New(*rateLimit)),
		xferengine.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	driver, err := ftpdriver.Connect(*addr, *user, *pass, engine, transport.ProxyConfig{}, askFileExists)
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	entries, err := driver.List(*remoteDir)
	if err != nil {
		logger.Error("list failed", "error", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Printf("%10d  %s\n", e.Size, e.Name)
	}

	if *fetch == "" {
		return
	}
	if *dest == "" {
		*dest = *fetch
	}
	if err := driver.Retrieve(*fetch, *remoteDir, *dest, statLocalFile); err != nil {
		logger.Error("retrieve failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\rdone: %d bytes\n", engine.TransferStatus().BytesTransferred)
}

// askFileExists is a trivial always-overwrite policy; a real caller would
// prompt the user or apply a saved preference here.
func askFileExists(req overwrite.Request) overwrite.Reply {
	return overwrite.Reply{Action: overwrite.Overwrite}
}

func statLocalFile(path string) (dircache.Entry, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dircache.Entry{}, false, nil
		}
		return dircache.Entry{}, false, err
	}
	return dircache.Entry{Name: info.Name(), Size: info.Size(), MTime: info.ModTime(), MTimeKnown: true}, true, nil
}
