// Package listener implements the proxy's accept loop of spec §4.1/§6:
// either take over a systemd socket-activation fd or bind the configured
// port itself, spawn one goroutine per accepted connection, and track
// the live connection count to drive the idle-exit timer.
package listener

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"
)

const (
	ErrorListenFdsInvalid liberr.CodeError = iota + liberr.MinAvailable + 700
	ErrorListenFdsCount
	ErrorBind
)

func init() {
	liberr.RegisterIdFctMessage(ErrorListenFdsInvalid, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorListenFdsInvalid:
		return "invalid systemd socket activation environment"
	case ErrorListenFdsCount:
		return "systemd handed over an unexpected number of listening sockets"
	case ErrorBind:
		return "cannot bind listening socket"
	}
	return ""
}

// sdListenFdsStart is SD_LISTEN_FDS_START from sd_listen_fds(3): the first
// fd number systemd guarantees belongs to it across execs.
const sdListenFdsStart = 3

// backlog is the listen(2) backlog of cockpit-tls's own bind path. bind
// does not pass it to the kernel: net.ListenConfig chooses the backlog of
// the sockets it creates itself.
const backlog = 1024

// Handler is called once per accepted connection, in its own goroutine.
// It must not return until the connection is fully torn down: the
// listener uses its return to decrement the live connection count and
// potentially arm the idle-exit timer.
type Handler func(ctx context.Context, conn net.Conn)

// Listener owns the accept loop and the idle-exit bookkeeping of spec §6
// ("terminate after N seconds without any active connection").
type Listener struct {
	ln net.Listener

	log liblog.FuncLog

	idleTimeout time.Duration
	mu          sync.Mutex
	active      int
	timer       *time.Timer
	onIdle      func()
}

// Open returns a Listener bound per spec §4.1: if LISTEN_FDS/LISTEN_PID
// indicate systemd socket activation for this process, the inherited fd
// is used as-is; otherwise a fresh TCP listener is bound to
// 0.0.0.0:port with SO_REUSEADDR (the backlog constant above is not
// applied).
func Open(port uint16, idleTimeout time.Duration, log liblog.FuncLog) (*Listener, liberr.Error) {
	ln, err := fromSystemd()
	if err != nil {
		return nil, err
	}

	if ln == nil {
		ln, err = bind(port)
		if err != nil {
			return nil, err
		}
	}

	return &Listener{ln: ln, log: log, idleTimeout: idleTimeout}, nil
}

// fromSystemd returns a non-nil Listener when the process environment
// describes exactly one socket-activation fd meant for this pid, per
// sd_listen_fds(3); it returns (nil, nil) when socket activation does
// not apply, which is not an error.
func fromSystemd() (net.Listener, liberr.Error) {
	fdsVal := os.Getenv("LISTEN_FDS")
	if fdsVal == "" {
		return nil, nil
	}

	pidVal := os.Getenv("LISTEN_PID")
	if pidVal == "" {
		return nil, nil
	}

	pid, perr := strconv.Atoi(pidVal)
	if perr != nil || pid != os.Getpid() {
		return nil, nil
	}

	n, nerr := strconv.Atoi(fdsVal)
	if nerr != nil || n < 1 {
		return nil, ErrorListenFdsInvalid.Error(fmt.Errorf("LISTEN_FDS=%q", fdsVal))
	}
	if n != 1 {
		return nil, ErrorListenFdsCount.Error(fmt.Errorf("got %d fds, want exactly 1", n))
	}

	fd := sdListenFdsStart
	unix.CloseOnExec(fd)

	f := os.NewFile(uintptr(fd), "listen-fd")
	defer f.Close()

	ln, lerr := net.FileListener(f)
	if lerr != nil {
		return nil, ErrorListenFdsInvalid.Error(lerr)
	}

	return ln, nil
}

func bind(port uint16) (net.Listener, liberr.Error) {
	cfg := net.ListenConfig{Control: controlReuseAddr}

	ln, err := cfg.Listen(context.Background(), "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, ErrorBind.Error(err)
	}

	return ln, nil
}

// controlReuseAddr sets SO_REUSEADDR on the listening socket before
// bind(2), matching the C proxy's own setsockopt call so a quick restart
// is not blocked by sockets still in TIME_WAIT.
func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if ctrlErr := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// OnIdle registers a callback fired when the idle-exit timer elapses
// with zero active connections, per spec §6. internal/server wires this
// to cancelling its run context, which ends Serve; tests observe it
// directly.
func (l *Listener) OnIdle(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onIdle = fn
}

// Addr returns the bound or inherited listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
	return l.ln.Close()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, dispatching each to handler in its own goroutine and
// maintaining the idle-exit timer described in spec §6: armed when the
// active count drops to zero, disarmed the moment a new connection
// arrives.
func (l *Listener) Serve(ctx context.Context, handler Handler) {
	l.armIfIdle()

	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		l.connectionOpened()

		go func() {
			defer l.connectionClosed()
			handler(ctx, conn)
		}()
	}
}

func (l *Listener) connectionOpened() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == 0 && l.timer != nil {
		l.timer.Stop()
	}
	l.active++
}

func (l *Listener) connectionClosed() {
	l.mu.Lock()
	l.active--
	idle := l.active == 0
	l.mu.Unlock()

	if idle {
		l.armIfIdle()
	}
}

func (l *Listener) armIfIdle() {
	if l.idleTimeout <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != 0 {
		return
	}

	if l.timer != nil {
		l.timer.Stop()
	}

	l.timer = time.AfterFunc(l.idleTimeout, func() {
		l.logInfo("idle timeout elapsed with no active connections, exiting")
		l.mu.Lock()
		onIdle := l.onIdle
		l.mu.Unlock()
		if onIdle != nil {
			onIdle()
		}
	})
}

func (l *Listener) logInfo(message string) {
	if l.log == nil {
		return
	}
	if logger := l.log(); logger != nil {
		logger.Entry(loglvl.InfoLevel, message).Log()
	}
}
