// Package factory implements the client side of the back-end
// socket-activation protocol of spec §4.5/§6: connect to
// https-factory.sock, send the fingerprint, shut down the write half,
// then read a short alphanumeric reply ("done" on success, anything else
// on failure) within a deadline.
//
// The factory process itself (which asks systemd to start the
// appropriate cockpit-wsinstance-https@<fp>.socket unit) is out of scope
// — see spec §1 and original_source/src/tls/wsinstance-factory.c.
package factory

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	liberr "github.com/nabbar/golib/errors"
)

const (
	ErrorDial liberr.CodeError = iota + liberr.MinAvailable + 500
	ErrorSend
	ErrorRecv
	ErrorNotAlnum
)

func init() {
	liberr.RegisterIdFctMessage(ErrorDial, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorDial:
		return "cannot connect to wsinstance factory socket"
	case ErrorSend:
		return "cannot send fingerprint to factory"
	case ErrorRecv:
		return "cannot read factory reply"
	case ErrorNotAlnum:
		return "factory reply contained non-alphanumeric data"
	}
	return ""
}

// SendTimeout and RecvTimeout are the deadlines spec §4.5/§6 specify for
// the two halves of the factory request/reply exchange.
const (
	SendTimeout = 5 * time.Second
	RecvTimeout = 30 * time.Second
	maxReply    = 64
)

// Done is the reply word the factory sends on success.
const Done = "done"

// Request dials sockPath (conventionally "https-factory.sock" under the
// wsinstance directory), sends fingerprint, shuts down the write half,
// and returns the factory's reply word. The caller decides whether the
// reply equals Done; any other alphanumeric word, per spec §4.5, means
// failure but is still a well-formed reply, not a protocol error.
func Request(ctx context.Context, sockPath, fingerprint string) (reply string, err liberr.Error) {
	conn, derr := net.Dial("unix", sockPath)
	if derr != nil {
		return "", ErrorDial.Error(derr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(SendTimeout))
	}

	if _, werr := conn.Write([]byte(fingerprint)); werr != nil {
		return "", ErrorSend.Error(werr)
	}

	if uc, ok := conn.(*net.UnixConn); ok {
		if cerr := uc.CloseWrite(); cerr != nil {
			return "", ErrorSend.Error(cerr)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(RecvTimeout))

	buf := make([]byte, maxReply)
	n := 0
	for n < len(buf) {
		m, rerr := conn.Read(buf[n:])
		n += m
		if rerr != nil {
			break
		}
	}

	word := bytes.TrimSpace(buf[:n])
	if !isAlnum(word) {
		return "", ErrorNotAlnum.Error(fmt.Errorf("factory reply %q is not alphanumeric", word))
	}

	return string(word), nil
}

func isAlnum(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
