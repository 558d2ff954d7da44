package overwrite

import (
	"testing"
	"time"

	"github.com/nolanwright/xferengine/dircache"
)

// TestDecide_OverwriteNewerSkipsWhenLocalIsNewer covers scenario S1: a
// download where the local copy is newer than the remote one should skip.
func TestDecide_OverwriteNewerSkipsWhenLocalIsNewer(t *testing.T) {
	t.Parallel()

	req := &Request{
		Download:        true,
		RemoteFile:      "remote.bin",
		LocalTime:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		RemoteTime:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LocalTimeKnown:  true,
		RemoteTimeKnown: true,
	}
	tr := &Transfer{IsDownload: true}

	res, err := Decide(Reply{Action: OverwriteNewer}, req, tr, Deps{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if res.Decision != DecisionSkip {
		t.Fatalf("Decision = %v, want DecisionSkip", res.Decision)
	}
	want := "Skipping download of remote.bin"
	if res.StatusMessage != want {
		t.Errorf("StatusMessage = %q, want %q", res.StatusMessage, want)
	}
}

// TestDecide_ResumeSetsFlagWhenSizeKnown covers scenario S2.
func TestDecide_ResumeSetsFlagWhenSizeKnown(t *testing.T) {
	t.Parallel()

	req := &Request{Download: true, LocalSize: 1024, RemoteSize: 4096}
	tr := &Transfer{IsDownload: true}

	res, err := Decide(Reply{Action: Resume}, req, tr, Deps{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %v, want DecisionProceed", res.Decision)
	}
	if !tr.Resume {
		t.Error("Transfer.Resume = false, want true")
	}
}

func TestDecide_ResumeProceedsWithoutFlagWhenSizeUnknown(t *testing.T) {
	t.Parallel()

	req := &Request{Download: true, LocalSize: UnknownSize, RemoteSize: 4096}
	tr := &Transfer{IsDownload: true}

	res, err := Decide(Reply{Action: Resume}, req, tr, Deps{})
	if err != nil {
		t.Fatalf("Decide() error = %v, want nil: an unknown relevant size still proceeds, just without resume", err)
	}
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %v, want DecisionProceed", res.Decision)
	}
	if tr.Resume {
		t.Error("Transfer.Resume = true, want false when the relevant size is unknown")
	}
}

// TestDecide_RenameCollisionIssuesFreshRequest covers scenario S3: an
// upload rename that collides with a cached entry re-triggers file_exists.
func TestDecide_RenameCollisionIssuesFreshRequest(t *testing.T) {
	t.Parallel()

	cache, err := dircache.NewRistrettoCache(16)
	if err != nil {
		t.Fatalf("NewRistrettoCache() error = %v", err)
	}
	defer cache.Close()

	cache.Update("srv", "/remote", []dircache.Entry{
		{Name: "renamed.bin", Size: 10, MTime: time.Unix(500, 0), MTimeKnown: true},
	})

	req := &Request{Download: false, LocalFile: "local.bin", RemotePath: "/remote"}
	tr := &Transfer{RemoteFile: "orig.bin", RemotePath: "/remote"}
	deps := Deps{Cache: cache, Server: "srv"}

	res, err := Decide(Reply{Action: Rename, NewName: "renamed.bin"}, req, tr, deps)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if res.Decision != DecisionRetry {
		t.Fatalf("Decision = %v, want DecisionRetry", res.Decision)
	}
	if res.NextRequest == nil || res.NextRequest.RemoteFile != "renamed.bin" {
		t.Fatalf("NextRequest = %+v, want RemoteFile renamed.bin", res.NextRequest)
	}
	if res.NextRequest.RemoteSize != 10 {
		t.Errorf("NextRequest.RemoteSize = %d, want 10", res.NextRequest.RemoteSize)
	}
	if tr.RemoteFile != "renamed.bin" {
		t.Errorf("Transfer.RemoteFile = %q, want renamed.bin", tr.RemoteFile)
	}
}

func TestDecide_RenameProceedsWhenNoCollision(t *testing.T) {
	t.Parallel()

	cache, err := dircache.NewRistrettoCache(16)
	if err != nil {
		t.Fatalf("NewRistrettoCache() error = %v", err)
	}
	defer cache.Close()

	req := &Request{Download: false, LocalFile: "local.bin", RemotePath: "/remote"}
	tr := &Transfer{RemoteFile: "orig.bin", RemotePath: "/remote"}
	deps := Deps{Cache: cache, Server: "srv"}

	res, err := Decide(Reply{Action: Rename, NewName: "free_name.bin"}, req, tr, deps)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %v, want DecisionProceed", res.Decision)
	}
}

func TestDecide_OverwriteSizeOrNewerProceedsOnEither(t *testing.T) {
	t.Parallel()

	req := &Request{
		Download:        true,
		LocalSize:       100,
		RemoteSize:      100,
		LocalTime:       time.Unix(100, 0),
		RemoteTime:      time.Unix(200, 0),
		LocalTimeKnown:  true,
		RemoteTimeKnown: true,
	}
	tr := &Transfer{IsDownload: true}

	res, err := Decide(Reply{Action: OverwriteSizeOrNewer}, req, tr, Deps{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if res.Decision != DecisionProceed {
		t.Fatalf("Decision = %v, want DecisionProceed (remote is newer)", res.Decision)
	}
}

func TestDecide_SkipLogsAndResets(t *testing.T) {
	t.Parallel()

	req := &Request{Download: true, RemoteFile: "x.bin"}
	tr := &Transfer{IsDownload: true}

	res, err := Decide(Reply{Action: Skip}, req, tr, Deps{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if res.Decision != DecisionSkip {
		t.Fatalf("Decision = %v, want DecisionSkip", res.Decision)
	}
}
