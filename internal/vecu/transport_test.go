package vecu

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecuprobe/internal/transport"
	"ecuprobe/internal/uds"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startTCPServer(t *testing.T, srv Server) string {
	t.Helper()
	require.NoError(t, srv.Setup())

	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	target, err := transport.ParseTargetURI("tcp://" + addr)
	require.NoError(t, err)

	st, err := NewServerTransport(srv, target)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Teardown()
	})

	// Wait for the listener.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return addr
}

func dialClient(t *testing.T, addr string) *uds.Client {
	t.Helper()
	target, err := transport.ParseTargetURI("tcp://" + addr)
	require.NoError(t, err)
	tp, err := transport.Connect(context.Background(), target)
	require.NoError(t, err)
	t.Cleanup(func() { tp.Close() })

	cfg := uds.DefaultRequestConfig()
	cfg.Timeout = 500 * time.Millisecond
	return uds.NewClient(tp, cfg)
}

func TestTCPServerEndToEnd(t *testing.T) {
	srv := NewRandomServer(4242)
	addr := startTCPServer(t, srv)
	client := dialClient(t, addr)
	ctx := context.Background()

	require.NoError(t, client.SetSession(ctx, uds.SessionExtended))
	require.NoError(t, client.Ping(ctx))

	// The full seed/key exchange against the server's own key relation.
	require.NoError(t, client.SecurityAccess(ctx, srv.SecurityLevel(), srv.Key))
	level, unlocked := client.SecurityUnlocked()
	assert.True(t, unlocked)
	assert.Equal(t, srv.SecurityLevel(), level)

	require.NoError(t, client.ECUReset(ctx, uds.ResetHardReset))
	_, unlocked = client.SecurityUnlocked()
	assert.False(t, unlocked)
}

func TestTCPServerIndependentConnections(t *testing.T) {
	srv := NewRandomServer(777)
	addr := startTCPServer(t, srv)
	ctx := context.Background()

	// Both connections must see the same seed material, each served by
	// its own generator.
	clientA := dialClient(t, addr)
	clientB := dialClient(t, addr)

	require.NoError(t, clientA.SetSession(ctx, uds.SessionExtended))
	require.NoError(t, clientB.SetSession(ctx, uds.SessionExtended))

	seedA, err := clientA.RequestSeed(ctx, srv.SecurityLevel())
	require.NoError(t, err)
	seedB, err := clientB.RequestSeed(ctx, srv.SecurityLevel())
	require.NoError(t, err)
	assert.Equal(t, seedA, seedB)
}
