// Command cyclone-echo hosts a TCP echo service driven entirely by a
// cyclone.Runtime's Reactor poll loop: the listener and every accepted
// connection are registered descriptors, and all echoing happens inline on
// the poll thread.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehrlich-b/cyclone"
	"github.com/ehrlich-b/cyclone/backend"
	"github.com/ehrlich-b/cyclone/examples/echo"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
	"github.com/ehrlich-b/cyclone/internal/logging"
)

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:9000", "address to listen on")
		verbose = flag.Bool("v", false, "verbose output")
		capture = flag.Bool("capture", false, "record echoed traffic into an in-memory store")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	rt, err := cyclone.New(cyclone.Config{
		IOProfile: ioengine.ProfileReadiness,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to construct runtime", "error", err)
		os.Exit(1)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", *addr)
	if err != nil {
		logger.Error("invalid address", "addr", *addr, "error", err)
		os.Exit(1)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	lnFd, releaseLn, err := echo.ListenerFD(ln)
	if err != nil {
		logger.Error("failed to extract listener fd", "error", err)
		os.Exit(1)
	}
	defer releaseLn()

	conns := make(map[uint64]func() error)

	handler := echo.NewHandler(rt.Buffers, func(token uint64) {
		if release, ok := conns[token]; ok {
			_ = rt.Deregister(cyclone.Token(token))
			_ = release()
			delete(conns, token)
		}
	})
	if *capture {
		handler.SetCapture(backend.NewMemory(16 << 20))
	}

	acceptor := &acceptHandler{
		ln:      ln,
		rt:      rt,
		handler: handler,
		logger:  logger,
		conns:   conns,
	}

	if _, err := rt.Register(lnFd, acceptor, true, false); err != nil {
		logger.Error("failed to register listener", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("echo service listening", "addr", *addr)
	fmt.Printf("cyclone-echo listening on %s (Ctrl+C to stop)\n", *addr)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- rt.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			logger.Error("runtime stopped unexpectedly", "error", err)
		}
	}

	cancel()
	shutdownDone := make(chan struct{})
	go func() {
		_ = rt.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		logger.Warn("shutdown timed out, exiting anyway")
	}

	snap := rt.Metrics().Snapshot()
	logger.Info("final stats",
		"events_inline", snap.EventsDispatchedInline,
		"events_scheduled", snap.EventsDispatchedScheduled,
		"bytes_echoed", handler.BytesEchoed())
}

// acceptHandler is registered for the listener fd; a readable event means
// at least one pending connection is ready to Accept. It accepts exactly
// one connection per event and relies on epoll's level-triggered
// semantics to re-fire if the backlog isn't empty, rather than looping
// Accept on the poll thread (which would block it once the backlog drains).
type acceptHandler struct {
	ln      *net.TCPListener
	rt      *cyclone.Runtime
	handler *echo.Handler
	logger  *logging.Logger
	conns   map[uint64]func() error
}

func (a *acceptHandler) OnEvent(kind interfaces.EventKind, token uint64, result int64) error {
	if kind != interfaces.Readable {
		return nil
	}
	conn, err := a.ln.AcceptTCP()
	if err != nil {
		return nil
	}
	fd, release, err := echo.ConnFD(conn)
	conn.Close() // the dup'd fd keeps the socket alive
	if err != nil {
		a.logger.Error("failed to extract conn fd", "error", err)
		return nil
	}
	connToken, err := a.rt.Register(fd, a.handler, true, false)
	if err != nil {
		a.logger.Error("failed to register connection", "error", err)
		_ = release()
		return nil
	}
	a.conns[uint64(connToken)] = release
	a.handler.Track(uint64(connToken), fd)
	return nil
}

func (a *acceptHandler) Inline() bool { return true }
