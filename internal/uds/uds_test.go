package uds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/model"
)

// shortTempSockPath keeps socket paths under the 104 byte macOS limit.
func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "zk-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func startServer(t *testing.T, register func(*Server)) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")
	server := NewServer(sockPath, logging.Discard())
	if register != nil {
		register(server)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortTempSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	got := make(chan Request, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		var req Request
		if err := ReadFrame(conn, &req); err == nil {
			got <- req
			_ = WriteFrame(conn, SuccessResponse(map[string]string{"echo": req.Command}))
		}
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	req, err := NewRequest("request", map[string]string{"badge": "B-7"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"echo":"request"}`, string(resp.Data))

	received := <-got
	assert.Equal(t, ProtocolVersion, received.ProtocolVersion)
	assert.JSONEq(t, `{"badge":"B-7"}`, string(received.Params))
}

func TestServer_DispatchesWithParams(t *testing.T) {
	type params struct {
		Badge string `json:"badge"`
	}
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("request", func(_ context.Context, req *Request) *Response {
			var p params
			if err := req.DecodeParams(&p); err != nil {
				return DomainErrorResponse(err)
			}
			return SuccessResponse(map[string]string{"badge": p.Badge})
		})
	})

	var out map[string]string
	require.NoError(t, client.Call("request", params{Badge: "B-1"}, &out))
	assert.Equal(t, "B-1", out["badge"])
}

func TestServer_HandlerContextIsLive(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("ctx", func(ctx context.Context, _ *Request) *Response {
			_, hasDeadline := ctx.Deadline()
			return SuccessResponse(map[string]bool{"deadline": hasDeadline, "live": ctx.Err() == nil})
		})
	})

	var out map[string]bool
	require.NoError(t, client.Call("ctx", nil, &out))
	assert.True(t, out["deadline"])
	assert.True(t, out["live"])
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t, nil)

	resp, err := client.SendCommand("nonexistent", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestServer_ProtocolMismatch(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("ping", func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	})

	resp, err := client.Send(&Request{ProtocolVersion: ProtocolVersion + 1, Command: "ping"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_RecoversHandlerPanic(t *testing.T) {
	var buf bytes.Buffer
	sockPath := shortTempSockPath(t, "p.sock")
	server := NewServer(sockPath, logging.New(&buf, logging.LevelDebug, "uds"))
	server.Handle("boom", func(context.Context, *Request) *Response { panic("kaboom") })
	server.Handle("ping", func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()

	client := NewClient(sockPath)
	resp, err := client.SendCommand("boom", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)

	resp, err = client.SendCommand("ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	require.NoError(t, server.Stop())
	assert.Contains(t, buf.String(), "kaboom")
}

func TestClient_CallMapsDomainErrors(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("request", func(context.Context, *Request) *Response {
			return DomainErrorResponse(model.ErrAllZonesBusy)
		})
		s.Handle("bad", func(_ context.Context, req *Request) *Response {
			var v struct{ N int }
			return DomainErrorResponse(req.DecodeParams(&v))
		})
	})

	err := client.Call("request", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAllZonesBusy)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, model.CodeAllZonesBusy, remote.Code)

	err = client.Call("bad", json.RawMessage(`{"N":"x"}`), nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand("ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to daemon")
	assert.Contains(t, err.Error(), "zonekeeper daemon")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := startServer(t, func(s *Server) {
		s.SetConnTimeout(300 * time.Millisecond)
		s.Handle("ping", func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	})
	_ = server

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	time.Sleep(600 * time.Millisecond)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := conn.Read(make([]byte, 1))
	assert.Error(t, readErr, "idle connection should be closed by the server")

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand("ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_SocketLifecycle(t *testing.T) {
	sockPath := shortTempSockPath(t, "l.sock")
	// stale socket from a crashed daemon
	require.NoError(t, os.WriteFile(sockPath, nil, 0o600))

	server := NewServer(sockPath, nil)
	require.NoError(t, server.Start())

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_Commands(t *testing.T) {
	server := NewServer(shortTempSockPath(t, "c.sock"), nil)
	server.Handle("ping", func(context.Context, *Request) *Response { return nil })
	server.Handle("leases", func(context.Context, *Request) *Response { return nil })
	assert.ElementsMatch(t, []string{"ping", "leases"}, server.Commands())
}

func TestResponses(t *testing.T) {
	resp := SuccessResponse(nil)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)

	resp = ErrorResponse(ErrCodeInternal, "something failed")
	assert.False(t, resp.Success)
	assert.Equal(t, "something failed", resp.Error.Message)

	resp = DomainErrorResponse(model.ErrLeaseNotFound)
	assert.Equal(t, model.CodeNotFound, resp.Error.Code)
	assert.True(t, strings.Contains(resp.Error.Message, "not found"))
}

func TestReadFrame_RejectsOversize(t *testing.T) {
	var v map[string]any
	err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), &v)
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestReadFrame_ShortBody(t *testing.T) {
	var v map[string]any
	err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 8, '{', '}'}), &v)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// failingListener fails every Accept until closed.
type failingListener struct {
	calls  atomic.Int32
	closed chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("accept: too many open files")
	}
}

func (l *failingListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *failingListener) Addr() net.Addr { return &net.UnixAddr{Name: "fake", Net: "unix"} }

func TestServer_AcceptErrorsBackOff(t *testing.T) {
	var buf bytes.Buffer
	server := NewServer(shortTempSockPath(t, "b.sock"), logging.New(&buf, logging.LevelDebug, "uds"))
	ln := &failingListener{closed: make(chan struct{})}
	server.ln = ln
	server.wg.Add(1)
	go server.serve()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, server.Stop())

	// 5+10+20+40+80ms of backoff fits about five retries in the window.
	assert.Less(t, ln.calls.Load(), int32(10))
	assert.Contains(t, buf.String(), "retrying in")
}
