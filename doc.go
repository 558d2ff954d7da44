// Package xferengine is the core of a multi-protocol file-transfer client:
// the stateful control-socket driver that sequences commands against a
// remote server, owns the network I/O path, enforces timeouts and
// cancellation, mediates a process-wide directory-cache lock across
// sibling connections, runs a bounded-buffer producer/consumer pipeline
// between the network and local files, and surfaces asynchronous request
// notifications (e.g. overwrite confirmation) to the caller.
//
// The core is deliberately protocol-agnostic. Concrete wire protocols
// (FTP, SFTP, ...) live under protocols/ as separate packages that push
// opstack.Op frames onto an Engine's ControlSocket; this package and its
// subpackages never parse a protocol's command syntax.
//
// Package layout:
//
//	ring       - C1, the fixed-count reusable buffer ring
//	pipeline   - C2, the file reader/writer built on ring
//	transport  - C3, the socket plus optional proxy backend
//	opstack    - C4, the operation stack and its reply-code state machine
//	oplock     - C6, the process-wide cache-lock arbiter
//	overwrite  - C7, the overwrite decision engine
//	dircache   - the directory-cache contract plus a ristretto-backed
//	             reference implementation
//	charset    - the §6 character-set fallback chain
//	protocols  - example drivers (ftpdriver, sftpdriver) exercising the
//	             op-stack contract
package xferengine
