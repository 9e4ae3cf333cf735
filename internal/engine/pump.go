package engine

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/cockpit-project/cockpit-tls-proxy/internal/ringbuffer"
)

// halfDuplexReader is the read side of a connection as seen by the pump:
// *net.TCPConn, *net.UnixConn and *peekConn satisfy it directly; the TLS
// path uses tlsSide, which adds CloseRead on top of the *tls.Conn.
type halfDuplexReader interface {
	io.Reader
	CloseRead() error
}

// halfDuplexWriter is the write side; plain UNIX/TCP sockets support
// CloseWrite natively, and *tls.Conn's own CloseWrite sends close_notify
// instead.
type halfDuplexWriter interface {
	io.Writer
	CloseWrite() error
}

// metadataWriter wraps the backend UNIX connection so that exactly one
// fd — a sealed memfd carrying the connection's metadata JSON — rides
// along as SCM_RIGHTS ancillary data on the first successful Write, per
// spec §4.2.6/§9. Once sent (or once the connection is torn down) the fd
// is closed and never attached again.
type metadataWriter struct {
	conn *net.UnixConn
	fd   int32 // holds the memfd, or -1 once sent/cleared
}

func newMetadataWriter(conn *net.UnixConn, fd int) *metadataWriter {
	w := &metadataWriter{conn: conn, fd: -1}
	if fd >= 0 {
		w.fd = int32(fd)
	}
	return w
}

func (w *metadataWriter) Write(p []byte) (int, error) {
	fd := atomic.LoadInt32(&w.fd)
	if fd < 0 {
		return w.conn.Write(p)
	}

	oob := unix.UnixRights(int(fd))
	n, _, err := w.conn.WriteMsgUnix(p, oob, nil)
	if err == nil {
		atomic.StoreInt32(&w.fd, -1)
		_ = unix.Close(int(fd))
	}
	return n, err
}

// CloseWrite shuts down the write half of the underlying backend socket,
// satisfying halfDuplexWriter.
func (w *metadataWriter) CloseWrite() error {
	return w.conn.CloseWrite()
}

// closeUnsent closes the metadata fd if the connection tore down before
// any bytes reached the backend, per spec §4.2.6 ("if the connection ends
// without the first write occurring, the fd is simply closed").
func (w *metadataWriter) closeUnsent() {
	fd := atomic.SwapInt32(&w.fd, -1)
	if fd >= 0 {
		_ = unix.Close(int(fd))
	}
}

// forward drains src into dst through buf until both directions of buf
// are no longer alive, implementing the predicate-driven half-close
// machine of spec §4.2.7/§9 with one goroutine owning the buffer end to
// end (it alone calls ReadFrom/WriteTo, so no further synchronization is
// needed across the read and write halves of a single direction).
func forward(src halfDuplexReader, dst halfDuplexWriter, buf *ringbuffer.Buffer, vectored bool) {
	for buf.Alive() {
		if buf.CanRead() {
			if _, err := buf.ReadFrom(src); err != nil {
				buf.Discard()
			}
		}

		if buf.NeedsShutRd() {
			_ = src.CloseRead()
			buf.SetShutRd()
		}

		if buf.CanWrite() {
			var err error
			if vectored {
				_, err = buf.WriteToVectored(dst)
			} else {
				_, err = buf.WriteTo(dst)
			}
			if err != nil {
				// A write failure means the sink is gone; there is no
				// point draining more from src for this direction.
				buf.SetEOF()
				buf.SetShutRd()
				buf.SetShutWr()
				break
			}
		}

		if buf.NeedsShutWr() {
			_ = dst.CloseWrite()
			buf.SetShutWr()
		}
	}
}

// pump runs the full-duplex byte copy between client and backend until
// both directions have fully closed, per spec §4.2.7/§8 property 1.
// metaFD is the memfd to attach to the first write toward backend, or -1
// if metadata sealing failed (best-effort, per spec §9).
// clientIsTLS controls whether the backend-to-client direction may use a
// vectored (two-segment) write: spec §4.2.7 allows that for a plaintext
// sink but restricts a TLS sink to one record per write.
func pump(client halfDuplexReadWriter, backend *net.UnixConn, metaFD int, clientIsTLS bool) {
	clientToBackend := ringbuffer.New()
	backendToClient := ringbuffer.New()

	mw := newMetadataWriter(backend, metaFD)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		forward(client, mw, clientToBackend, false)
	}()
	go func() {
		defer wg.Done()
		forward(backend, client, backendToClient, !clientIsTLS)
	}()

	wg.Wait()
	mw.closeUnsent()
}

// halfDuplexReadWriter is the client side's full duplex interface,
// satisfied by *peekConn on the plaintext path and by tlsSide on the TLS
// path (close_notify plays the role of CloseWrite there, and CloseRead
// shuts the read half of the underlying socket).
type halfDuplexReadWriter interface {
	halfDuplexReader
	halfDuplexWriter
}
