// Package server ties the proxy's pieces — configuration, credentials,
// the client-certificate store, the listener and the engine — into the
// single process lifecycle described in spec §5/§6: load once, accept
// until idle, clean up once.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"time"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"

	"github.com/cockpit-project/cockpit-tls-proxy/internal/clientcert"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/config"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/credentials"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/engine"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/listener"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/redirect"
	"github.com/cockpit-project/cockpit-tls-proxy/internal/sessioncert"
)

const (
	ErrorLoadCredentials liberr.CodeError = iota + liberr.MinAvailable + 900
	ErrorOpenSessionDir
	ErrorOpenListener
	ErrorOpenRedirect
)

func init() {
	liberr.RegisterIdFctMessage(ErrorLoadCredentials, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorLoadCredentials:
		return "cannot load server TLS credentials"
	case ErrorOpenSessionDir:
		return "cannot open client session directory"
	case ErrorOpenListener:
		return "cannot open listening socket"
	case ErrorOpenRedirect:
		return "cannot start redirect helper"
	}
	return ""
}

// ServerCertFile and ServerKeyFile are the fixed paths spec §6 loads the
// server's TLS credentials from, unlinked immediately after load.
const (
	ServerCertFile = "/run/cockpit/tls/server/cert"
	ServerKeyFile  = "/run/cockpit/tls/server/key"
)

// sessionDirName is the per-connection client-certificate directory
// under $RUNTIME_DIRECTORY, per spec §4.2.5/§6.
const sessionDirName = "clients"

// Server owns every long-lived resource the process holds: the
// listener, the loaded credentials (if any), the session directory fd,
// and the redirect helper, so Run can tear all of it down in one place.
type Server struct {
	cfg   *config.Config
	log   liblog.FuncLog
	creds *credentials.Credentials
	certs clientcert.Store
	sess  *sessioncert.Dir
	ln    *listener.Listener
	rd    *redirect.Helper
}

// New builds a Server from cfg, loading credentials unless cfg.NoTLS is
// set and opening the client session directory, per spec §4.2.5/§6.
// The session directory is created if it does not already exist, since
// $RUNTIME_DIRECTORY itself is expected to be freshly provisioned by the
// process's supervisor (systemd's RuntimeDirectory= or equivalent).
func New(cfg *config.Config, log liblog.FuncLog) (*Server, liberr.Error) {
	s := &Server{cfg: cfg, log: log}

	if !cfg.NoTLS {
		creds, err := credentials.Load(ServerCertFile, ServerKeyFile)
		if err != nil {
			return nil, ErrorLoadCredentials.Error(err)
		}
		s.creds = creds
	}

	sessDir := filepath.Join(cfg.RuntimeDirectory, sessionDirName)
	if err := os.MkdirAll(sessDir, 0o700); err != nil {
		return nil, ErrorOpenSessionDir.Error(err)
	}

	dir, derr := sessioncert.Open(sessDir)
	if derr != nil {
		return nil, ErrorOpenSessionDir.Error(derr)
	}
	s.sess = dir
	s.certs = clientcert.NewSessionStore(dir)

	rd, rerr := redirect.Listen(filepath.Join(cfg.WsInstanceDir, redirect.SocketName), log)
	if rerr != nil {
		_ = dir.Close()
		return nil, ErrorOpenRedirect.Error(rerr)
	}
	s.rd = rd

	ln, lerr := listener.Open(cfg.Port, time.Duration(cfg.IdleTimeoutSecs)*time.Second, log)
	if lerr != nil {
		_ = dir.Close()
		_ = rd.Close()
		return nil, ErrorOpenListener.Error(lerr)
	}
	s.ln = ln

	return s, nil
}

// Run serves connections until the idle-exit timer fires or ctx is
// cancelled, then releases every resource the Server holds, per spec §5
// ("precondition that the active-connection count is zero").
func (s *Server) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ln.OnIdle(cancel)

	go s.rd.Serve(runCtx)
	s.ln.Serve(runCtx, s.handle)

	s.shutdown()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	engine.Handle(ctx, conn, engine.Config{
		Credentials:   s.credentials,
		WSInstanceDir: s.cfg.WsInstanceDir,
		ClientCerts:   s.certs,
		RequireHTTPS:  s.cfg.RequireHTTPS,
		Redirect:      s.dialRedirect,
		Log:           s.log,
	})
}

func (s *Server) credentials() *tls.Certificate {
	if s.creds == nil {
		return nil
	}
	cert := s.creds.Certificate()
	return &cert
}

func (s *Server) dialRedirect(ctx context.Context) (net.Conn, error) {
	return redirect.Dial(ctx, filepath.Join(s.cfg.WsInstanceDir, redirect.SocketName))
}

func (s *Server) shutdown() {
	_ = s.rd.Close()
	_ = s.sess.Close()
	if s.creds != nil {
		s.creds.Unref()
	}
	s.logInfo("server shut down")
}

func (s *Server) logInfo(message string) {
	if s.log == nil {
		return
	}
	if logger := s.log(); logger != nil {
		logger.Entry(loglvl.InfoLevel, message).Log()
	}
}
