package factory

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func listenUnix(t *testing.T) (*net.UnixListener, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "https-factory.sock")

	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	return l.(*net.UnixListener), path
}

func TestRequest_DoneOnSuccess(t *testing.T) {
	l, path := listenUnix(t)
	defer l.Close()
	defer os.Remove(path)

	go func() {
		conn, aerr := l.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		require.Equal(t, "deadbeef", string(buf[:n]))
		_, _ = conn.Write([]byte(Done))
	}()

	reply, err := Request(context.Background(), path, "deadbeef")
	require.Nil(t, err)
	require.Equal(t, Done, reply)
}

func TestRequest_FailReply(t *testing.T) {
	l, path := listenUnix(t)
	defer l.Close()
	defer os.Remove(path)

	go func() {
		conn, aerr := l.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("fail"))
	}()

	reply, err := Request(context.Background(), path, "deadbeef")
	require.Nil(t, err)
	require.Equal(t, "fail", reply)
}

func TestRequest_RejectsNonAlnumReply(t *testing.T) {
	l, path := listenUnix(t)
	defer l.Close()
	defer os.Remove(path)

	go func() {
		conn, aerr := l.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("not-alnum!"))
	}()

	_, err := Request(context.Background(), path, "deadbeef")
	require.NotNil(t, err)
	require.True(t, err.IsCode(ErrorNotAlnum))
}

func TestRequest_DialFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := Request(context.Background(), filepath.Join(dir, "nope.sock"), "fp")
	require.NotNil(t, err)
	require.True(t, err.IsCode(ErrorDial))
}
