package limitio

import (
	"net"

	"golang.org/x/time/rate"
)

// Conn is a network connection with a limited bandwidth in each direction
type Conn struct {
	net.Conn
	reader *Reader
	writer *Writer
}

// NewConn limits the download and upload rates of conn. Nil limiters mean no limit.
// The connection is returned as is when there's no limit at all.
func NewConn(conn net.Conn, download, upload *rate.Limiter) net.Conn {
	if download == nil && upload == nil {
		return conn
	}
	reader := NewReader(conn)
	reader.SetLimiter(download)
	writer := NewWriter(conn)
	writer.SetLimiter(upload)
	return &Conn{
		Conn:   conn,
		reader: reader,
		writer: writer,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}
