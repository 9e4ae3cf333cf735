// Package backend selects and dials the UNIX-domain back-end socket an
// accepted connection should be forwarded to: the plaintext listener,
// the TLS listener for a given certificate fingerprint, or (by way of
// the factory protocol) a freshly started wsinstance when the TLS
// socket does not exist yet. Spec §4.2.4/§4.6/§6.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"syscall"

	liberr "github.com/nabbar/golib/errors"

	"github.com/cockpit-project/cockpit-tls-proxy/internal/factory"
)

const (
	ErrorDial liberr.CodeError = iota + liberr.MinAvailable + 600
	ErrorFactory
	ErrorFactoryRefused
)

func init() {
	liberr.RegisterIdFctMessage(ErrorDial, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorDial:
		return "cannot connect to back-end socket"
	case ErrorFactory:
		return "wsinstance factory did not start the back-end"
	case ErrorFactoryRefused:
		return "wsinstance factory refused to start the back-end"
	}
	return ""
}

// Socket names under the wsinstance socket directory, per spec §6.
const (
	HTTPSocketName    = "http.sock"
	FactorySocketName = "https-factory.sock"
)

// HTTPSocketPath returns the path of the plaintext back-end socket.
func HTTPSocketPath(wsInstanceDir string) string {
	return filepath.Join(wsInstanceDir, HTTPSocketName)
}

// HTTPSSocketPath returns the path of the TLS back-end socket for fingerprint.
func HTTPSSocketPath(wsInstanceDir, fingerprint string) string {
	return filepath.Join(wsInstanceDir, "https@"+fingerprint+".sock")
}

// FactorySocketPath returns the path of the factory request socket.
func FactorySocketPath(wsInstanceDir string) string {
	return filepath.Join(wsInstanceDir, FactorySocketName)
}

// IsLoopback implements the "is loopback" test of spec §4.2.4: AF_UNIX is
// always loopback (there is no network between the two ends); AF_INET is
// loopback only for 127.0.0.0/8; AF_INET6 only for ::1 or a v4-mapped
// address in 127.0.0.0/8 (such as ::ffff:127.0.0.1).
func IsLoopback(addr net.Addr) bool {
	switch a := addr.(type) {
	case *net.UnixAddr:
		return true
	case *net.TCPAddr:
		return a.IP.IsLoopback()
	default:
		return false
	}
}

// DialPlain connects to the plaintext back-end socket.
func DialPlain(ctx context.Context, wsInstanceDir string) (net.Conn, liberr.Error) {
	return dial(ctx, HTTPSocketPath(wsInstanceDir))
}

// DialTLS connects to the TLS back-end socket for fingerprint. If the
// socket does not exist yet (ENOENT) or refuses the connection
// (ECONNREFUSED — a systemd socket unit whose service died), it asks the
// factory to start the corresponding wsinstance and retries the connect
// exactly once, per spec §4.2.4.
func DialTLS(ctx context.Context, wsInstanceDir, fingerprint string) (net.Conn, liberr.Error) {
	path := HTTPSSocketPath(wsInstanceDir, fingerprint)

	conn, err := dial(ctx, path)
	if err == nil {
		return conn, nil
	}
	if !needsFactory(err) {
		return nil, err
	}

	reply, ferr := factory.Request(ctx, FactorySocketPath(wsInstanceDir), fingerprint)
	if ferr != nil {
		return nil, ErrorFactory.Error(ferr)
	}
	if reply != factory.Done {
		return nil, ErrorFactoryRefused.Error(fmt.Errorf("factory replied %q", reply))
	}

	conn, err = dial(ctx, path)
	if err != nil {
		return nil, ErrorFactory.Error(err)
	}
	return conn, nil
}

// needsFactory reports whether a dial failure is the kind spec §4.2.4
// says should trigger a factory request: the back-end socket is absent
// or nothing is listening on it yet. liberr.Error's Unwrap lets the
// standard errors.Is see through to the underlying syscall errno.
func needsFactory(err liberr.Error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

func dial(ctx context.Context, path string) (net.Conn, liberr.Error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, ErrorDial.Error(err)
	}
	return conn, nil
}
