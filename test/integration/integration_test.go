//go:build integration

// Package integration drives the full runtime against real sockets: an
// echo round-trip over a live poll loop. Build with -tags integration.
package integration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/cyclone"
	"github.com/ehrlich-b/cyclone/examples/echo"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
)

func TestEchoOneRound(t *testing.T) {
	rt, err := cyclone.New(cyclone.Config{
		IOProfile:   ioengine.ProfileReadiness,
		NumWorkers:  2,
		PollTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer rt.Shutdown()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	lnFd, releaseLn, err := echo.ListenerFD(ln)
	require.NoError(t, err)
	defer releaseLn()

	conns := make(map[uint64]func() error)
	handler := echo.NewHandler(rt.Buffers, func(token uint64) {
		if release, ok := conns[token]; ok {
			_ = rt.Deregister(cyclone.Token(token))
			_ = release()
			delete(conns, token)
		}
	})

	acceptor := &acceptOnce{ln: ln, rt: rt, handler: handler, conns: conns}
	_, err = rt.Register(lnFd, acceptor, true, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, 16)
	n, err := conn.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got[:n]))
	assert.Equal(t, uint64(4), handler.BytesEchoed())

	cancel()
	require.NoError(t, rt.Shutdown())

	// All echo buffers were transient; nothing may still be checked out.
	assert.Zero(t, rt.Buffers.Stats().BytesInUse)
}

func TestTimerFiresWhileEchoServiceIdle(t *testing.T) {
	rt, err := cyclone.New(cyclone.Config{
		IOProfile:   ioengine.ProfileReadiness,
		NumWorkers:  1,
		PollTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer rt.Shutdown()

	fired := make(chan struct{})
	rt.ScheduleTimer(20*time.Millisecond, func() { close(fired) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire under the live poll loop")
	}
}

// acceptOnce registers each accepted connection with the echo handler.
type acceptOnce struct {
	ln      *net.TCPListener
	rt      *cyclone.Runtime
	handler *echo.Handler
	conns   map[uint64]func() error
}

func (a *acceptOnce) OnEvent(kind interfaces.EventKind, token uint64, result int64) error {
	if kind != interfaces.Readable {
		return nil
	}
	conn, err := a.ln.AcceptTCP()
	if err != nil {
		return nil
	}
	fd, release, err := echo.ConnFD(conn)
	conn.Close()
	if err != nil {
		return nil
	}
	connToken, err := a.rt.Register(fd, a.handler, true, false)
	if err != nil {
		_ = release()
		return nil
	}
	a.conns[uint64(connToken)] = release
	a.handler.Track(uint64(connToken), fd)
	return nil
}

func (a *acceptOnce) Inline() bool { return true }
