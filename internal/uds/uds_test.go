package uds

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSockPath keeps socket paths under the sun_path limit.
func shortSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tq-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

var taskDaemon = Identity{Kind: "task", PID: 4242}

func startServer(t *testing.T, sockPath string, register func(*Server)) *Server {
	t.Helper()
	server := NewServer(sockPath, taskDaemon, nil)
	if register != nil {
		register(server)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		assert.Equal(t, CommandPing, req.Command)
		assert.Equal(t, ProtocolVersion, req.ProtocolVersion)
		_ = WriteFrame(conn, SuccessResponse(map[string]string{"result": "ok"}))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest(CommandPing, nil)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, "ok", data["result"])
	<-done
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	sockPath := shortSockPath(t, "v.sock")
	startServer(t, sockPath, nil)

	resp, err := NewClient(sockPath).Send(&Request{ProtocolVersion: 999, Command: CommandPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	sockPath := shortSockPath(t, "u.sock")
	startServer(t, sockPath, nil)

	resp, err := NewClient(sockPath).SendCommand("nonexistent", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)

	err = resp.Decode(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeUnknownCommand)
}

func TestServer_HandlerReceivesParams(t *testing.T) {
	sockPath := shortSockPath(t, "h.sock")
	startServer(t, sockPath, func(s *Server) {
		s.Handle(CommandTick, func(req *Request) *Response {
			var params map[string]string
			if err := (&Response{Success: true, Data: req.Params}).Decode(&params); err != nil {
				return ErrorResponse(ErrCodeInternal, err.Error())
			}
			return SuccessResponse(map[string]string{"echo": params["reason"]})
		})
	})

	resp, err := NewClient(sockPath).SendCommand(CommandTick, map[string]string{"reason": "manual"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "manual", out["echo"])
}

func TestServer_MultipleClients(t *testing.T) {
	sockPath := shortSockPath(t, "m.sock")
	startServer(t, sockPath, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := NewClient(sockPath).SendCommand(CommandPing, nil)
			if err == nil {
				err = resp.Decode(nil)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_HandlerPanicClosesConnection(t *testing.T) {
	sockPath := shortSockPath(t, "p.sock")
	startServer(t, sockPath, func(s *Server) {
		s.Handle("boom", func(*Request) *Response { panic("boom") })
	})

	client := NewClient(sockPath)
	client.SetTimeout(time.Second)
	_, err := client.SendCommand("boom", nil)
	require.Error(t, err)

	resp, err := client.SendCommand(CommandPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CommandPing, nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "connect to daemon"))
	assert.Contains(t, err.Error(), "taskq start")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	sockPath := shortSockPath(t, "t.sock")
	server := NewServer(sockPath, taskDaemon, nil)
	server.SetConnTimeout(300 * time.Millisecond)
	require.NoError(t, server.Start())
	defer server.Stop()

	idle, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer idle.Close()

	time.Sleep(600 * time.Millisecond)
	_ = idle.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := idle.Read(make([]byte, 1))
	assert.Error(t, readErr, "server should close an idle connection")

	resp, err := NewClient(sockPath).SendCommand(CommandPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_SocketLifecycle(t *testing.T) {
	sockPath := filepath.Join(shortSockPath(t, "run"), "s.sock")
	server := NewServer(sockPath, taskDaemon, nil)
	require.NoError(t, server.Start())

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, server.Stop())
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	sockPath := shortSockPath(t, "stale.sock")
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0600))

	startServer(t, sockPath, nil)
	resp, err := NewClient(sockPath).SendCommand(CommandPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_PingReportsIdentity(t *testing.T) {
	sockPath := shortSockPath(t, "i.sock")
	startServer(t, sockPath, nil)

	resp, err := NewClient(sockPath).SendCommand(CommandPing, nil)
	require.NoError(t, err)
	var ping PingReply
	require.NoError(t, resp.Decode(&ping))
	assert.Equal(t, PingReply{Kind: "task", PID: 4242}, ping)
}

func TestServer_DrainRefusesTickOnly(t *testing.T) {
	sockPath := shortSockPath(t, "d.sock")
	var ticks atomic.Int32
	server := startServer(t, sockPath, func(s *Server) {
		s.Handle(CommandStatus, func(*Request) *Response {
			return SuccessResponse(map[string]int32{"ticks": ticks.Load()})
		})
		s.Handle(CommandTick, func(*Request) *Response {
			ticks.Add(1)
			return SuccessResponse(nil)
		})
	})
	client := NewClient(sockPath)

	resp, err := client.SendCommand(CommandTick, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	server.Drain()
	assert.True(t, server.Draining())

	resp, err = client.SendCommand(CommandTick, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeShuttingDown, resp.Error.Code)
	assert.Equal(t, "task daemon is shutting down", resp.Error.Message)
	assert.Equal(t, int32(1), ticks.Load())

	resp, err = client.SendCommand(CommandStatus, nil)
	require.NoError(t, err)
	var status map[string]int32
	require.NoError(t, resp.Decode(&status))
	assert.Equal(t, int32(1), status["ticks"])

	resp, err = client.SendCommand(CommandPing, nil)
	require.NoError(t, err)
	var ping PingReply
	require.NoError(t, resp.Decode(&ping))
	assert.True(t, ping.Draining)
}

func TestServer_RefusesLiveSocket(t *testing.T) {
	sockPath := shortSockPath(t, "l.sock")
	startServer(t, sockPath, nil)

	second := NewServer(sockPath, Identity{Kind: "task", PID: 5151}, nil)
	err := second.Start()
	require.ErrorIs(t, err, ErrSocketInUse)
	require.NoError(t, second.Stop())

	// The first server keeps its socket.
	resp, err := NewClient(sockPath).SendCommand(CommandPing, nil)
	require.NoError(t, err)
	var ping PingReply
	require.NoError(t, resp.Decode(&ping))
	assert.Equal(t, 4242, ping.PID)
}

func TestResponses(t *testing.T) {
	resp := ErrorResponse(ErrCodeInternal, "something failed")
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
	assert.EqualError(t, resp.Decode(nil), "INTERNAL_ERROR: something failed")

	resp = SuccessResponse(map[string]int{"count": 42})
	var data map[string]int
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, 42, data["count"])

	resp = SuccessResponse(nil)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)
	assert.NoError(t, resp.Decode(&data))

	resp = SuccessResponse(func() {})
	assert.False(t, resp.Success)
}
