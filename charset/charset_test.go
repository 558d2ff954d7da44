package charset

import "testing"

func TestDecoder_ValidUTF8PassesThrough(t *testing.T) {
	t.Parallel()
	d := New("iso-8859-1", "iso-8859-1", false)
	text, degraded := d.Decode([]byte("hello world"))
	if text != "hello world" || degraded {
		t.Errorf("Decode() = (%q, %v), want (\"hello world\", false)", text, degraded)
	}
}

func TestDecoder_InvalidUTF8FallsBackAndDegrades(t *testing.T) {
	t.Parallel()
	d := New("iso-8859-1", "iso-8859-1", false)

	// 0xE9 alone is invalid UTF-8 but valid Latin-1 ('é').
	_, justDegraded := d.Decode([]byte{0xE9})
	if !justDegraded {
		t.Fatal("first invalid-UTF8 line should report justDegraded=true")
	}
	if !d.Degraded() {
		t.Error("Degraded() should be true after a fallback")
	}

	_, justDegraded = d.Decode([]byte("plain ascii"))
	if justDegraded {
		t.Error("subsequent lines should not report justDegraded again")
	}
}

func TestDecoder_ExplicitUTF8ServerDoesNotDegrade(t *testing.T) {
	t.Parallel()
	d := New("iso-8859-1", "iso-8859-1", true)

	d.Decode([]byte{0xE9})
	if d.Degraded() {
		t.Error("a server explicitly declared UTF-8 should not permanently degrade")
	}
}
