// Package redirect implements the HTTP-to-HTTPS escape hatch of spec
// §4.6: a small helper back-end, reached over its own UNIX socket the
// same way http.sock and https@<fp>.sock are, that answers any
// plaintext request arriving on a non-loopback address with a
// `301 Moved Permanently` pointing at the HTTPS equivalent of the
// client's Host header.
//
// The real cockpit helper this stands in for is out of scope per spec
// §4.6 ("the helper is out of scope here; the engine treats it as a
// drop-in replacement for http.sock") — this package is a supplemented,
// minimal implementation rather than a reproduction of it: it scans
// only for the Host header line, never the request method, path, or
// any other header, so it does not become the HTTP parser spec §1
// explicitly excludes from the proxy's own scope.
package redirect

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"
)

const (
	ErrorListen liberr.CodeError = iota + liberr.MinAvailable + 800
	ErrorDial
)

func init() {
	liberr.RegisterIdFctMessage(ErrorListen, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorListen:
		return "cannot listen on redirect helper socket"
	case ErrorDial:
		return "cannot connect to redirect helper socket"
	}
	return ""
}

// SocketName is the file name of the redirect helper's UNIX socket
// under the wsinstance directory, named the same way as http.sock and
// https-factory.sock.
const SocketName = "redirect.sock"

// readTimeout bounds how long the helper waits for a full request line
// and headers. When it elapses before a Host header was seen, the helper
// still answers, redirecting to defaultHost.
const readTimeout = 10 * time.Second

// defaultHost is substituted when a request carries no Host header,
// which a conforming HTTP/1.1 client never does but HTTP/1.0 permits.
const defaultHost = "localhost"

// Helper serves the redirect protocol on its own listener.
type Helper struct {
	ln  net.Listener
	log liblog.FuncLog
}

// Listen binds the helper's UNIX socket at path (conventionally
// filepath.Join(wsInstanceDir, SocketName)).
func Listen(path string, log liblog.FuncLog) (*Helper, liberr.Error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, ErrorListen.Error(err)
	}
	return &Helper{ln: ln, log: log}, nil
}

// Close stops the helper from accepting further connections.
func (h *Helper) Close() error {
	return h.ln.Close()
}

// Serve accepts connections until ctx is cancelled or the listener
// closes, answering each with a single 301 response.
func (h *Helper) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = h.ln.Close()
	}()

	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		go h.respond(conn)
	}
}

func (h *Helper) respond(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	host, ok := readHost(conn)
	if !ok {
		host = defaultHost
	}

	body := fmt.Sprintf(
		"HTTP/1.1 301 Moved Permanently\r\nLocation: https://%s/\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		host,
	)

	if _, err := conn.Write([]byte(body)); err != nil {
		h.logError("writing redirect response", err)
	}
}

func (h *Helper) logError(message string, err error) {
	if h.log == nil {
		return
	}
	if logger := h.log(); logger != nil {
		logger.Entry(loglvl.WarnLevel, message).ErrorAdd(true, err).Log()
	}
}

// readHost scans the request line and headers for a Host header,
// stopping at the blank line that terminates them. It never inspects
// the request method or target: those belong to the HTTP parsing spec
// §1 keeps out of this proxy's scope.
func readHost(conn net.Conn) (string, bool) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}

		const prefix = "host:"
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// Dial connects to the redirect helper at path, satisfying
// engine.RedirectDialer.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, ErrorDial.Error(err)
	}
	return conn, nil
}
