// Package stream defines the byte-stream collaborator the Agent Channel
// Manager reads from and writes to. Production callers hand it a net.Conn;
// tests hand it an io.Pipe half.
package stream

import "io"

// ByteStream is the transport collaborator described in spec.md §6: a
// bidirectional byte pipe with no framing of its own. The channel manager
// never assumes anything about the concrete transport beyond these three
// operations.
type ByteStream interface {
	io.Reader
	io.Writer
	io.Closer
}
