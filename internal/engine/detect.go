package engine

import (
	"bufio"
	"net"
	"time"
)

// firstByteWait is how long the engine waits for the first byte of a new
// connection before giving up, per spec §4.2.1/§5.
const firstByteWait = 30 * time.Second

// tlsHandshakeByte is the leading byte of a TLS record carrying a
// handshake message (content type 22), per spec §4.2.1/§6.
const tlsHandshakeByte = 22

// peekConn wraps a net.Conn with a bufio.Reader so the engine can peek the
// first byte without consuming it, mirroring the MSG_PEEK recv of spec
// §4.2.1. Reads after the peek are transparently satisfied from the
// bufio.Reader first, then straight from the underlying conn.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, r: bufio.NewReader(c)}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// CloseRead and CloseWrite delegate to the underlying connection's
// half-close support (e.g. *net.TCPConn), satisfying
// halfDuplexReadWriter so the plaintext pump path can use *peekConn
// directly without losing bytes already buffered by the protocol-peek.
func (p *peekConn) CloseRead() error {
	if cr, ok := p.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (p *peekConn) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// detectProtocol waits up to firstByteWait for data and reports whether
// the connection opens with a TLS handshake record. ok is false on
// timeout or EOF before any byte arrives, in which case the caller must
// close the connection quietly without further action.
func detectProtocol(c *peekConn) (isTLS bool, ok bool) {
	_ = c.Conn.SetReadDeadline(timeNow().Add(firstByteWait))
	defer c.Conn.SetReadDeadline(time.Time{})

	b, err := c.r.Peek(1)
	if err != nil {
		return false, false
	}

	return b[0] == tlsHandshakeByte, true
}

// timeNow is a seam for tests; production always uses time.Now.
var timeNow = time.Now
