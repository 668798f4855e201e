// File: internal/relay/stdio.go
package relay

import (
	"io"
	"os"
	"sync"
)

// stdioStream presents a read side and a write side as one duplex stream,
// matching how the browser manages a native messaging host: it writes to
// our stdin and reads from our stdout.
type stdioStream struct {
	in  io.Reader
	out io.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewStdioStream wraps a reader/writer pair as an io.ReadWriteCloser.
func NewStdioStream(in io.Reader, out io.Writer) io.ReadWriteCloser {
	return &stdioStream{in: in, out: out}
}

// NewHostStream wraps the process's own stdin/stdout.
func NewHostStream() io.ReadWriteCloser {
	return NewStdioStream(os.Stdin, os.Stdout)
}

func (s *stdioStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdioStream) Write(p []byte) (int, error) { return s.out.Write(p) }

// Close closes whichever ends are closers. Closing stdin unblocks a
// pending read so the forwarding goroutine can exit.
func (s *stdioStream) Close() error {
	s.closeOnce.Do(func() {
		if c, ok := s.in.(io.Closer); ok {
			s.closeErr = c.Close()
		}
		if c, ok := s.out.(io.Closer); ok {
			if err := c.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
