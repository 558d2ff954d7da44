package ftpdriver

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/nolanwright/xferengine"
	"github.com/nolanwright/xferengine/oplock"
	"github.com/nolanwright/xferengine/opstack"
	"github.com/nolanwright/xferengine/pipeline"
	"github.com/nolanwright/xferengine/reply"
)

func TestDriver_LockDirectorySerializesConcurrentAccess(t *testing.T) {
	t.Parallel()

	arb := oplock.New()
	engineA, err := xferengine.New(arb, "a", "srv")
	if err != nil {
		t.Fatalf("xferengine.New() error = %v", err)
	}
	engineB, err := xferengine.New(arb, "b", "srv")
	if err != nil {
		t.Fatalf("xferengine.New() error = %v", err)
	}

	dA := &Driver{engine: engineA, server: "srv"}
	dB := &Driver{engine: engineB, server: "srv"}

	engineA.CS.Push(opstack.NewFuncOp(opstack.KindList, func() reply.Code { return reply.OK }, nil))
	engineB.CS.Push(opstack.NewFuncOp(opstack.KindList, func() reply.Code { return reply.OK }, nil))

	dA.lockDirectory("/dir", reasonList)

	bLocked := make(chan struct{})
	go func() {
		dB.lockDirectory("/dir", reasonList)
		close(bLocked)
	}()

	select {
	case <-bLocked:
		t.Fatal("second connection obtained the lock while the first still holds it")
	case <-time.After(20 * time.Millisecond):
	}

	engineA.CS.Unlock()

	select {
	case <-bLocked:
	case <-time.After(time.Second):
		t.Fatal("second connection never obtained the lock after the first released it")
	}

	engineB.CS.Unlock()
}

func TestReadResponse_SingleLine(t *testing.T) {
	t.Parallel()
	r := bufio.NewReader(strings.NewReader("220 Welcome\r\n"))
	resp, err := readResponse(r)
	if err != nil {
		t.Fatalf("readResponse() error = %v", err)
	}
	if resp.Code != 220 || resp.Message != "Welcome" {
		t.Errorf("resp = %+v, want Code 220 Message Welcome", resp)
	}
}

func TestReadResponse_MultiLine(t *testing.T) {
	t.Parallel()
	raw := "230-Welcome to FTP\r\n230-line two\r\n230 Ready\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	resp, err := readResponse(r)
	if err != nil {
		t.Fatalf("readResponse() error = %v", err)
	}
	if resp.Code != 230 {
		t.Errorf("Code = %d, want 230", resp.Code)
	}
	if len(resp.Lines) != 3 {
		t.Errorf("Lines = %d, want 3", len(resp.Lines))
	}
}

func TestParsePASV(t *testing.T) {
	t.Parallel()
	addr, err := parsePASV("227 Entering Passive Mode (192,168,1,1,195,149)")
	if err != nil {
		t.Fatalf("parsePASV() error = %v", err)
	}
	if addr != "192.168.1.1:50069" {
		t.Errorf("addr = %q, want 192.168.1.1:50069", addr)
	}
}

func TestResolveDataAddr_SubstitutesUnroutableHost(t *testing.T) {
	t.Parallel()
	got := resolveDataAddr("0.0.0.0:2121", "ftp.example.com")
	if got != "ftp.example.com:2121" {
		t.Errorf("resolveDataAddr() = %q, want ftp.example.com:2121", got)
	}
}

func TestParseListing_UnixFormat(t *testing.T) {
	t.Parallel()
	raw := "-rw-r--r-- 1 user group 1234 Jan  1 00:00 report.txt\n" +
		"drwxr-xr-x 2 user group 4096 Jan  1 00:00 subdir\n"
	entries, err := parseListing(strings.NewReader(raw), nil)
	if err != nil {
		t.Fatalf("parseListing() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "report.txt" || entries[0].Size != 1234 {
		t.Errorf("entries[0] = %+v", entries[0])
	}
}

func TestPumpReaderToWriter_CopiesAllBytes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := dir + "/out.bin"
	w, err := pipeline.OpenFileWriter(target, 0, 4, 8, false, nil, nil)
	if err != nil {
		t.Fatalf("OpenFileWriter() error = %v", err)
	}

	payload := bytes.Repeat([]byte("abcd"), 20)
	var lastProgress int64
	if err := pumpReaderToWriter(bytes.NewReader(payload), w, nil, func(n int64) { lastProgress = n }); err != nil {
		t.Fatalf("pumpReaderToWriter() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if lastProgress != int64(len(payload)) {
		t.Errorf("lastProgress = %d, want %d", lastProgress, len(payload))
	}
}
