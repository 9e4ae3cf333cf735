// Package engine implements the per-connection proxy core of spec §4.2:
// protocol detection, the TLS handshake and peer-certificate policy,
// back-end selection, one-shot metadata delivery, and the bidirectional
// pump, from accept to teardown.
package engine

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	liblog "github.com/nabbar/golib/logger"
	logfld "github.com/nabbar/golib/logger/fields"
	loglvl "github.com/nabbar/golib/logger/level"

	"github.com/cockpit-project/cockpit-tls-proxy/internal/backend"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/certstore"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/clientcert"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/metadata"
)

// handshakeTimeout bounds a TLS handshake attempt, playing the role of
// GnuTLS's default handshake timeout referenced in spec §5.
const handshakeTimeout = 30 * time.Second

// RedirectDialer returns a connection to the HTTP-to-HTTPS redirect
// helper of spec §4.6, used in place of http.sock for non-loopback
// plaintext connections when "require HTTPS" is set.
type RedirectDialer func(ctx context.Context) (net.Conn, error)

// Config bundles everything a connection needs that is not specific to
// it: server credentials, where to find back-ends, the client-cert
// store, and the logger, threaded through via the teacher's FuncLog
// convention rather than a package-level global.
type Config struct {
	// Credentials supplies the server's TLS certificate. Nil means
	// --no-tls: any connection opening with a TLS handshake is refused.
	Credentials func() *tls.Certificate

	WSInstanceDir string
	ClientCerts   clientcert.Store
	RequireHTTPS  bool
	Redirect      RedirectDialer

	Log liblog.FuncLog

	// OnFatal is called instead of os.Exit(1) when a session-cert
	// release fails irrecoverably (spec §7/§9: a leaked client
	// certificate file is a security violation, not a per-connection
	// error). Tests override it; production leaves it nil.
	OnFatal func(reason string, err error)

	// connID tags every log entry emitted while handling one connection
	// with a correlation id, set once per call by Handle.
	connID string
}

func (c *Config) logger() liblog.Logger {
	if c.Log == nil {
		return nil
	}
	return c.Log()
}

func (c *Config) logError(message string, err error) {
	l := c.logger()
	if l == nil {
		return
	}
	l.Entry(loglvl.ErrorLevel, message).
		FieldSet(logfld.New(context.Background()).Add("connection-id", c.connID)).
		ErrorAdd(true, err).
		Log()
}

func (c *Config) fatal(reason string, err error) {
	c.logError(reason, err)
	if c.OnFatal != nil {
		c.OnFatal(reason, err)
		return
	}
	os.Exit(1)
}

// Handle runs one connection end to end: from a freshly accepted socket
// to full teardown of both halves. It never panics and never returns an
// error to the caller — per spec §7, per-connection failures degrade to
// a silent close, logged when useful.
func Handle(ctx context.Context, conn net.Conn, cfg Config) {
	defer conn.Close()

	cfg.connID = uuid.New().String()

	pc := newPeekConn(conn)

	isTLS, ok := detectProtocol(pc)
	if !ok {
		return
	}

	if isTLS {
		handleTLS(ctx, pc, cfg)
		return
	}

	handlePlain(ctx, pc, cfg)
}

func handlePlain(ctx context.Context, client *peekConn, cfg Config) {
	var conn net.Conn

	switch {
	case backend.IsLoopback(client.LocalAddr()) || !cfg.RequireHTTPS:
		c, err := backend.DialPlain(ctx, cfg.WSInstanceDir)
		if err != nil {
			cfg.logError("dialing plaintext back-end", err)
			return
		}
		conn = c
	case cfg.Redirect != nil:
		c, err := cfg.Redirect(ctx)
		if err != nil {
			cfg.logError("dialing redirect helper", err)
			return
		}
		conn = c
	default:
		return
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return
	}
	defer uc.Close()

	meta := originMetadata(client, "")
	pump(client, uc, sealMetadata(meta), false)
}

func handleTLS(ctx context.Context, client *peekConn, cfg Config) {
	if cfg.Credentials == nil {
		return
	}
	cert := cfg.Credentials()
	if cert == nil {
		return
	}

	tlsConf := &tls.Config{
		Certificates:          []tls.Certificate{*cert},
		ClientAuth:            tls.RequestClientCert,
		VerifyPeerCertificate: verifyPeerCertificate,
		MinVersion:            tls.VersionTLS12,
	}

	tlsConn := tls.Server(client, tlsConf)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		cfg.logError("TLS handshake failed", err)
		return
	}

	side := &tlsSide{Conn: tlsConn, raw: client}

	state := tlsConn.ConnectionState()
	fingerprint := certstore.NoCertFingerprint
	var sessionCertName string

	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		fingerprint = certstore.Fingerprint(leaf.Raw)

		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})

		name, release, err := cfg.ClientCerts.Acquire(fingerprint, leaf.Raw, string(pemBytes))
		if err != nil {
			cfg.logError("creating client certificate file", err)
			return
		}
		sessionCertName = name

		defer func() {
			if rerr := release(); rerr != nil {
				cfg.fatal("client certificate file release failed", rerr)
			}
		}()
	}

	conn, derr := backend.DialTLS(ctx, cfg.WSInstanceDir, fingerprint)
	if derr != nil {
		cfg.logError("dialing TLS back-end", derr)
		return
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return
	}
	defer uc.Close()

	meta := originMetadata(client, sessionCertName)
	pump(side, uc, sealMetadata(meta), true)
}

// originMetadata builds the JSON payload of spec §4.2.6/§6 describing
// the client's transport-layer origin and, if any, its session cert
// filename.
func originMetadata(client net.Conn, sessionCertName string) metadata.Metadata {
	m := metadata.Metadata{ClientCertificate: sessionCertName}

	if addr, ok := client.RemoteAddr().(*net.TCPAddr); ok {
		m.OriginIP = addr.IP.String()
		m.OriginPort = addr.Port
	}

	return m
}

// sealMetadata returns a sealed memfd for m, or -1 if sealing failed —
// best-effort, per spec §9: the metadata fd enriches the back-end's view
// of the connection but its absence is not fatal to the proxy's job of
// moving bytes.
func sealMetadata(m metadata.Metadata) int {
	fd, err := metadata.Seal(m)
	if err != nil {
		return -1
	}
	return fd
}

// tlsSide adapts *tls.Conn to halfDuplexReadWriter: tls.Conn already
// provides Write and CloseWrite (close_notify), but has no CloseRead, so
// that half is delegated to the underlying raw connection.
type tlsSide struct {
	*tls.Conn
	raw net.Conn
}

func (t *tlsSide) CloseRead() error {
	if cr, ok := t.raw.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}
