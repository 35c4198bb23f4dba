// Package main provides Sentinel: the dispatcher process routing queued
// jobs to connected workers over the length-delimited wire protocol
// (§4.J, §6).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/casparian-io/casparian/internal/config"
	"github.com/casparian-io/casparian/internal/dispatcher"
	"github.com/casparian-io/casparian/internal/queue"
)

const (
	version = "1.0.0-dev"
	name    = "sentinel"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("SENTINEL_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting sentinel dispatcher", slog.String("service", name), slog.String("version", version))

	jobStore, err := queue.NewPostgresStore(queue.LoadConfig())
	if err != nil {
		logger.Error("failed to connect to queue store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jobStore.Close()

	maxRetries := config.GetEnvInt("SENTINEL_MAX_RETRIES", 3)
	registry := dispatcher.NewRegistry()
	defer registry.Close()

	source := dispatcher.NewQueueJobSource(&queueStoreAdapter{store: jobStore})
	disp := dispatcher.New(registry, source, maxRetries)

	addr := config.GetEnvStr("SENTINEL_LISTEN_ADDR", ":7800")

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", slog.String("addr", addr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer listener.Close()

	logger.Info("sentinel listening", slog.String("addr", addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &server{disp: disp, registry: registry, source: source, logger: logger}

	go srv.acceptLoop(ctx, listener)
	go srv.lostLoop(ctx)
	go srv.dispatchLoop(ctx, config.GetEnvDuration("SENTINEL_DISPATCH_INTERVAL", 500*time.Millisecond))

	<-ctx.Done()

	logger.Info("sentinel shutting down")
	_ = listener.Close()
}

// server owns the sentinel's live connections, keyed by worker id, and
// the three background loops (accept, dispatch sweep, lost-worker
// reporting) that drive it.
type server struct {
	disp     *dispatcher.Dispatcher
	registry *dispatcher.Registry
	source   *dispatcher.QueueJobSource
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*wireConn
}

func (s *server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.Error("accept failed", slog.String("error", err.Error()))

			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn blocks waiting for the worker's first Identify message,
// registers it, and relays Heartbeat/Conclude traffic into the
// dispatcher until the socket closes.
func (s *server) handleConn(ctx context.Context, conn net.Conn) {
	wc := &wireConn{conn: conn}

	first, err := dispatcher.ReadMessage(conn)
	if err != nil {
		s.logger.Warn("worker disconnected before identify", slog.String("error", err.Error()))
		_ = conn.Close()

		return
	}

	if first.Opcode != dispatcher.OpIdentify {
		s.logger.Warn("first message was not identify", slog.String("opcode", first.Opcode.String()))
		_ = conn.Close()

		return
	}

	var identify dispatcher.IdentifyPayload
	if err := dispatcher.DecodePayload(first, &identify); err != nil {
		s.logger.Error("decoding identify", slog.String("error", err.Error()))
		_ = conn.Close()

		return
	}

	concurrencyMax := config.GetEnvInt("SENTINEL_WORKER_CONCURRENCY", 4)
	workerID := s.registry.Identify(identify.WorkerID, identify.Capabilities, concurrencyMax)

	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[string]*wireConn)
	}
	s.conns[workerID] = wc
	s.mu.Unlock()

	s.disp.Connect(workerID, wc)
	s.logger.Info("worker identified", slog.String("worker_id", workerID), slog.Any("capabilities", identify.Capabilities))

	defer func() {
		s.mu.Lock()
		delete(s.conns, workerID)
		s.mu.Unlock()
		s.disp.Disconnect(workerID)
		s.registry.Remove(workerID)
		_ = conn.Close()
		s.logger.Info("worker disconnected", slog.String("worker_id", workerID))
	}()

	for {
		msg, err := dispatcher.ReadMessage(conn)
		if err != nil {
			return
		}

		switch msg.Opcode {
		case dispatcher.OpHeartbeat:
			var hb dispatcher.HeartbeatPayload
			if err := dispatcher.DecodePayload(msg, &hb); err == nil {
				s.registry.Heartbeat(workerID, hb.Status, hb.ActiveJobIDs)
			}
		case dispatcher.OpConclude:
			var payload dispatcher.ConcludePayload
			if err := dispatcher.DecodePayload(msg, &payload); err != nil {
				s.logger.Error("decoding conclude", slog.String("error", err.Error()))

				continue
			}

			jobID, ok := s.disp.ResolveJobID(msg.JobID)
			if !ok {
				s.logger.Warn("conclude for unknown job hash", slog.Uint64("job_id_hash", msg.JobID))

				continue
			}

			if err := s.disp.HandleConclude(ctx, workerID, jobID, payload); err != nil {
				s.logger.Error("handling conclude", slog.String("job_id", jobID), slog.String("error", err.Error()))
			}
		case dispatcher.OpEnvReady, dispatcher.OpErr:
			// Informational; PrepareEnv round trips are fire-and-forget
			// from the sentinel's side in this deployment.
		default:
			s.logger.Warn("unexpected opcode from worker", slog.String("opcode", msg.Opcode.String()))
		}
	}
}

func (s *server) lostLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case lj, ok := <-s.registry.Lost():
			if !ok {
				return
			}

			if err := s.disp.HandleWorkerLost(ctx, lj); err != nil {
				s.logger.Error("handling worker lost", slog.String("worker_id", lj.WorkerID), slog.String("error", err.Error()))
			}
		}
	}
}

// dispatchLoop periodically sweeps the queue for claimable jobs any
// connected worker can take, independent of any one worker's heartbeat.
func (s *server) dispatchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				dispatched, err := s.disp.TryDispatch(ctx, nil)
				if err != nil && err != dispatcher.ErrNoCapableWorker {
					s.logger.Error("dispatch sweep failed", slog.String("error", err.Error()))
				}

				if !dispatched {
					break
				}
			}
		}
	}
}

// wireConn adapts a net.Conn to dispatcher.WorkerConn, serialising
// concurrent senders (the dispatch sweep and abort forwarding both write
// to the same socket) behind one mutex.
type wireConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (w *wireConn) Send(msg dispatcher.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return dispatcher.WriteMessage(w.conn, msg)
}
