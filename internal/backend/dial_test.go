package backend

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsLoopback(t *testing.T) {
	require.True(t, IsLoopback(&net.UnixAddr{Name: "/tmp/x.sock", Net: "unix"}))
	require.True(t, IsLoopback(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}))
	require.False(t, IsLoopback(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}))
}

func TestSocketPaths(t *testing.T) {
	require.Equal(t, "/run/ws/http.sock", HTTPSocketPath("/run/ws"))
	require.Equal(t, "/run/ws/https@deadbeef.sock", HTTPSSocketPath("/run/ws", "deadbeef"))
	require.Equal(t, "/run/ws/https-factory.sock", FactorySocketPath("/run/ws"))
}

func TestDialPlain_Success(t *testing.T) {
	dir := t.TempDir()
	l, err := net.Listen("unix", HTTPSocketPath(dir))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, aerr := l.Accept()
		if aerr == nil {
			conn.Close()
		}
	}()

	conn, derr := DialPlain(context.Background(), dir)
	require.Nil(t, derr)
	conn.Close()
}

func TestDialPlain_NoSocket(t *testing.T) {
	dir := t.TempDir()
	_, derr := DialPlain(context.Background(), dir)
	require.NotNil(t, derr)
	require.True(t, derr.IsCode(ErrorDial))
}

func TestDialTLS_RetriesAfterFactoryStarts(t *testing.T) {
	dir := t.TempDir()
	const fp = "deadbeef"

	factoryListener, err := net.Listen("unix", FactorySocketPath(dir))
	require.NoError(t, err)
	defer factoryListener.Close()

	var started int32

	go func() {
		conn, aerr := factoryListener.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		require.Equal(t, fp, string(buf[:n]))

		l, lerr := net.Listen("unix", HTTPSSocketPath(dir, fp))
		require.NoError(t, lerr)
		atomic.StoreInt32(&started, 1)

		go func() {
			c, aerr2 := l.Accept()
			if aerr2 == nil {
				c.Close()
			}
		}()

		_, _ = conn.Write([]byte("done"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, derr := DialTLS(ctx, dir, fp)
	require.Nil(t, derr)
	defer conn.Close()
	require.EqualValues(t, 1, atomic.LoadInt32(&started))
}

func TestDialTLS_FactoryFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	const fp = "f00d"

	l, err := net.Listen("unix", FactorySocketPath(dir))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, aerr := l.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("fail"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, derr := DialTLS(ctx, dir, fp)
	require.NotNil(t, derr)
	require.True(t, derr.IsCode(ErrorFactoryRefused))
}

func TestDialTLS_ExistingSocketSkipsFactory(t *testing.T) {
	dir := t.TempDir()
	const fp = "cafe"

	l, err := net.Listen("unix", HTTPSSocketPath(dir, fp))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, aerr := l.Accept()
		if aerr == nil {
			conn.Close()
		}
	}()

	conn, derr := DialTLS(context.Background(), dir, fp)
	require.Nil(t, derr)
	conn.Close()

	_, staterr := os.Stat(filepath.Join(dir, FactorySocketName))
	require.True(t, os.IsNotExist(staterr))
}
