package listener

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestOpen_BindsConfiguredPort(t *testing.T) {
	port := freePort(t)

	l, err := Open(port, 0, nil)
	require.Nil(t, err)
	defer l.Close()

	require.Equal(t, port, uint16(l.Addr().(*net.TCPAddr).Port))
}

func TestServe_DispatchesOneGoroutinePerConnection(t *testing.T) {
	port := freePort(t)
	l, err := Open(port, 0, nil)
	require.Nil(t, err)
	defer l.Close()

	var handled int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx, func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		atomic.AddInt32(&handled, 1)
	})

	for i := 0; i < 3; i++ {
		c, derr := net.Dial("tcp", l.Addr().String())
		require.NoError(t, derr)
		c.Close()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleTimer_FiresAfterLastConnectionCloses(t *testing.T) {
	port := freePort(t)
	l, err := Open(port, 50*time.Millisecond, nil)
	require.Nil(t, err)
	defer l.Close()

	fired := make(chan struct{})
	l.OnIdle(func() { close(fired) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	go l.Serve(ctx, func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		<-release
	})

	c, derr := net.Dial("tcp", l.Addr().String())
	require.NoError(t, derr)

	select {
	case <-fired:
		t.Fatal("idle timer must not fire while a connection is active")
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
	c.Close()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer did not fire after the last connection closed")
	}
}

func TestIdleTimer_DisarmedByNewConnection(t *testing.T) {
	port := freePort(t)
	l, err := Open(port, 80*time.Millisecond, nil)
	require.Nil(t, err)
	defer l.Close()

	var fireCount int32
	l.OnIdle(func() { atomic.AddInt32(&fireCount, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx, func(_ context.Context, conn net.Conn) {
		conn.Close()
	})

	// armIfIdle() runs at Serve startup with zero active connections;
	// keep dialing well inside the idle window so it never elapses.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		c, derr := net.Dial("tcp", l.Addr().String())
		require.NoError(t, derr)
		c.Close()
		time.Sleep(20 * time.Millisecond)
	}

	require.Equal(t, int32(0), atomic.LoadInt32(&fireCount))
}
