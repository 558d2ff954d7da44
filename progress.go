package xferengine

import "io"

// ProgressFunc reports cumulative bytes transferred; wired into a driver's
// pump loop to keep Engine.SetTransferStatus current without threading a
// callback through every Read/Write call site.
type ProgressFunc func(bytesTransferred int64)

// ProgressReader wraps an io.Reader and reports cumulative bytes read.
type ProgressReader struct {
	Reader   io.Reader
	Callback ProgressFunc
	total    int64
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.total += int64(n)
	if pr.Callback != nil && n > 0 {
		pr.Callback(pr.total)
	}
	return n, err
}

// ProgressWriter wraps an io.Writer and reports cumulative bytes written.
type ProgressWriter struct {
	Writer   io.Writer
	Callback ProgressFunc
	total    int64
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.total += int64(n)
	if pw.Callback != nil && n > 0 {
		pw.Callback(pw.total)
	}
	return n, err
}
