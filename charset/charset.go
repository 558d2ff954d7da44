// Package charset implements the inbound control-channel decoding policy
// from §6: try UTF-8, fall back to a per-server custom charset, then to
// a locale/current-charmap decoding, downshifting a persistent "degrade"
// flag once a fallback has been needed (§9's design note).
package charset

import (
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// Decoder runs the UTF-8 -> custom -> locale fallback chain for one
// control-socket session. Not safe for concurrent use — it belongs to
// exactly one connection's cooperative event loop.
type Decoder struct {
	custom       encoding.Encoding
	locale       encoding.Encoding
	degraded     bool
	serverIsUTF8 bool
}

// New builds a Decoder. customCharsetName and localeCharsetName are
// resolved via golang.org/x/text/encoding/htmlindex (IANA names, e.g.
// "iso-8859-1", "windows-1252"); an unresolvable or empty name falls
// back to Latin-1 so the chain always has something to try.
func New(customCharsetName, localeCharsetName string, serverIsUTF8 bool) *Decoder {
	return &Decoder{
		custom:       resolve(customCharsetName),
		locale:       resolve(localeCharsetName),
		serverIsUTF8: serverIsUTF8,
	}
}

func resolve(name string) encoding.Encoding {
	if name == "" {
		return charmap.ISO8859_1
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return charmap.ISO8859_1
	}
	return enc
}

// Degraded reports whether a previous Decode needed to fall back off
// UTF-8, per session.
func (d *Decoder) Degraded() bool {
	return d.degraded
}

// Decode converts one line of raw control-channel bytes to a string,
// trying UTF-8 first (skipped only once a prior fallback has degraded a
// session whose server was not declared UTF-8), then the custom charset,
// then the locale charset. It returns the decoded text and whether the
// caller should emit the "switching character encoding" status message
// (true only the first time a session degrades).
func (d *Decoder) Decode(raw []byte) (text string, justDegraded bool) {
	tryUTF8 := !d.degraded || d.serverIsUTF8
	if tryUTF8 && utf8.Valid(raw) {
		return string(raw), false
	}

	// UTF-8 failed. A server explicitly declared UTF-8 keeps retrying it
	// on the next line instead of degrading permanently.
	if !d.serverIsUTF8 && !d.degraded {
		d.degraded = true
		justDegraded = true
	}

	if out, err := d.custom.NewDecoder().Bytes(raw); err == nil {
		return string(out), justDegraded
	}
	if out, err := d.locale.NewDecoder().Bytes(raw); err == nil {
		return string(out), justDegraded
	}
	// Last resort: pass the bytes through rather than fail the whole line.
	return string(raw), justDegraded
}
