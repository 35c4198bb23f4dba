package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/casparian-io/casparian/internal/arrowutil"
	"github.com/casparian-io/casparian/internal/backtest"
	"github.com/casparian-io/casparian/internal/dispatcher"
	"github.com/casparian-io/casparian/internal/sink"
)

const (
	defaultMaxConcurrentJobs = 4
	defaultHeartbeatInterval = 30 * time.Second
	defaultAbortGrace        = 10 * time.Second
	defaultInboxSize         = 32
)

// Config configures one worker process's runtime.
type Config struct {
	WorkerID          string
	Capabilities      []string
	MaxConcurrentJobs int
	HeartbeatInterval time.Duration
	AbortGrace        time.Duration
	ParserVersion     string

	// BacktestScopeID, if set, is the scope the runtime reports job
	// outcomes to via backtest.Store.RecordFailure/RecordSuccess. Left
	// empty, backtest reporting is skipped entirely.
	BacktestScopeID string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.AbortGrace <= 0 {
		c.AbortGrace = defaultAbortGrace
	}
}

// Conn is a live duplex connection to the Sentinel.
type Conn interface {
	Send(msg dispatcher.Message) error
	Recv() (dispatcher.Message, error)
	io.Closer
}

// NetConn adapts a net.Conn (TCP or Unix domain socket) to Conn using the
// dispatcher package's length-delimited framing.
type NetConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewNetConn wraps conn.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{conn: conn}
}

// Send writes msg, serialising concurrent senders (the event loop and the
// PrepareEnv reply goroutine) onto one socket.
func (c *NetConn) Send(msg dispatcher.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return dispatcher.WriteMessage(c.conn, msg)
}

// Recv reads the next frame. Only the runtime's single read goroutine
// ever calls this.
func (c *NetConn) Recv() (dispatcher.Message, error) {
	return dispatcher.ReadMessage(c.conn)
}

// Close closes the underlying socket.
func (c *NetConn) Close() error {
	return c.conn.Close()
}

type jobResult struct {
	jobID   string
	receipt JobReceipt
}

type activeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime is one worker process's cooperative event loop: one logical task
// per dispatched job, a results mailbox, a heartbeat timer, and a shutdown
// channel, all multiplexed through a single biased select. Only readLoop
// reads the socket; sends come from the event loop and from the goroutine
// that answers PrepareEnv, and Conn.Send serialises them. Select
// priority, highest first: shutdown, completed job results, heartbeat,
// inbound messages — implemented with reflect.Select over a fixed,
// priority-ordered case list rather than Go's unordered `select`, which
// would pick uniformly at random among ready cases.
type Runtime struct {
	cfg           Config
	conn          Conn
	bridge        Bridge
	envCache      EnvCache
	backtestStore backtest.Store
	pool          memory.Allocator
	logger        *slog.Logger

	results    chan jobResult
	inbound    chan dispatcher.Message
	inboundErr chan error
	shutdownCh chan struct{}
	shutdownOnce sync.Once

	mu     sync.Mutex
	active map[string]*activeJob
}

// NewRuntime builds a Runtime. backtestStore may be nil to skip ledger
// reporting entirely.
func NewRuntime(cfg Config, conn Conn, bridge Bridge, envCache EnvCache, backtestStore backtest.Store, logger *slog.Logger) *Runtime {
	cfg.setDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	return &Runtime{
		cfg:           cfg,
		conn:          conn,
		bridge:        bridge,
		envCache:      envCache,
		backtestStore: backtestStore,
		pool:          memory.DefaultAllocator,
		logger:        logger,
		results:       make(chan jobResult, cfg.MaxConcurrentJobs),
		inbound:       make(chan dispatcher.Message, defaultInboxSize),
		inboundErr:    make(chan error, 1),
		shutdownCh:    make(chan struct{}),
		active:        make(map[string]*activeJob),
	}
}

// Stop requests a graceful shutdown: the event loop finishes draining any
// already-queued results before returning from Run.
func (rt *Runtime) Stop() {
	rt.shutdownOnce.Do(func() { close(rt.shutdownCh) })
}

// Run sends Identify, starts the socket reader, and drives the event loop
// until shutdown (via Stop, ctx cancellation, or a fatal read error). It
// returns once the socket has been fully drained and closed.
func (rt *Runtime) Run(ctx context.Context) error {
	identify, err := dispatcher.EncodeMessage(dispatcher.OpIdentify, 0, dispatcher.IdentifyPayload{
		WorkerID:     rt.cfg.WorkerID,
		Capabilities: rt.cfg.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("worker: encoding identify: %w", err)
	}

	if err := rt.conn.Send(identify); err != nil {
		return fmt.Errorf("worker: sending identify: %w", err)
	}

	go rt.readLoop()

	heartbeat := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(rt.shutdownCh)},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(rt.results)},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(heartbeat.C)},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(rt.inbound)},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(rt.inboundErr)},
	}

	const (
		caseShutdown = iota
		caseCtxDone
		caseResult
		caseHeartbeat
		caseInbound
		caseInboundErr
	)

	for {
		chosen, recv, ok := rt.selectBiased(cases)

		switch chosen {
		case caseShutdown, caseCtxDone:
			return rt.drain(context.Background())
		case caseResult:
			if !ok {
				return rt.drain(context.Background())
			}

			rt.concludeJob(recv.Interface().(jobResult))
		case caseHeartbeat:
			rt.sendHeartbeat()
		case caseInbound:
			if !ok {
				return rt.drain(context.Background())
			}

			rt.handleInbound(ctx, recv.Interface().(dispatcher.Message))
		case caseInboundErr:
			if ok {
				rt.logger.Error("worker: socket read failed, shutting down", "error", recv.Interface().(error).Error())
			}

			return rt.drain(context.Background())
		}
	}
}

// selectBiased scans cases in priority order and returns the first one
// ready without blocking; if none are ready, it falls back to a real
// (blocking) reflect.Select over all of them so the loop sleeps instead
// of busy-spinning.
func (rt *Runtime) selectBiased(cases []reflect.SelectCase) (int, reflect.Value, bool) {
	for i := range cases {
		probe := []reflect.SelectCase{cases[i], {Dir: reflect.SelectDefault}}

		chosen, recv, ok := reflect.Select(probe)
		if chosen == 0 {
			return i, recv, ok
		}
	}

	return reflect.Select(cases)
}

// handleInbound dispatches one message from the sentinel according to its
// opcode.
func (rt *Runtime) handleInbound(ctx context.Context, msg dispatcher.Message) {
	switch msg.Opcode {
	case dispatcher.OpDispatch:
		rt.handleDispatch(ctx, msg)
	case dispatcher.OpAbort:
		rt.handleAbort(msg)
	case dispatcher.OpPrepareEnv:
		rt.handlePrepareEnv(ctx, msg)
	case dispatcher.OpHeartbeat:
		// Sentinel liveness ping; our own ticker covers the reply side.
	default:
		rt.logger.Warn("worker: unexpected opcode from sentinel", "opcode", msg.Opcode.String())
	}
}

// handleDispatch admits a new job if the worker is below its concurrency
// ceiling, or replies Rejected immediately so the sentinel can retry it
// elsewhere without waiting on a heartbeat.
func (rt *Runtime) handleDispatch(ctx context.Context, msg dispatcher.Message) {
	var payload dispatcher.DispatchPayload
	if err := dispatcher.DecodePayload(msg, &payload); err != nil {
		rt.logger.Error("worker: decoding dispatch payload", "error", err.Error())

		return
	}

	rt.mu.Lock()
	atCapacity := len(rt.active) >= rt.cfg.MaxConcurrentJobs
	if !atCapacity {
		jobCtx, cancel := context.WithCancel(ctx)
		rt.active[payload.JobID] = &activeJob{cancel: cancel, done: make(chan struct{})}
		rt.mu.Unlock()

		go rt.runJob(jobCtx, JobRequestFromDispatch(payload, rt.cfg.ParserVersion))

		return
	}
	rt.mu.Unlock()

	rt.sendConclude(payload.JobID, JobReceipt{
		JobID:        payload.JobID,
		Status:       ReceiptRejected,
		ErrorMessage: "worker over capacity",
	})
}

// handleAbort cancels the named job's context if it is still active. The
// job task is responsible for observing cancellation and tearing its
// bridge subprocess down; its own Conclude{Aborted} follows through the
// normal results mailbox.
func (rt *Runtime) handleAbort(msg dispatcher.Message) {
	var payload dispatcher.AbortPayload
	if err := dispatcher.DecodePayload(msg, &payload); err != nil {
		rt.logger.Error("worker: decoding abort payload", "error", err.Error())

		return
	}

	rt.mu.Lock()
	job, ok := rt.active[payload.JobID]
	rt.mu.Unlock()

	if !ok {
		return
	}

	job.cancel()
}

// handlePrepareEnv provisions (or confirms cached) an interpreter off the
// event loop, since venv creation is disk-heavy, replying EnvReady or Err
// once it completes.
func (rt *Runtime) handlePrepareEnv(ctx context.Context, msg dispatcher.Message) {
	var payload dispatcher.PrepareEnvPayload
	if err := dispatcher.DecodePayload(msg, &payload); err != nil {
		rt.logger.Error("worker: decoding prepare_env payload", "error", err.Error())

		return
	}

	go func() {
		_, cached := rt.envCache.Lookup(payload.EnvHash)

		path, err := rt.envCache.Prepare(ctx, payload.EnvHash, payload.LockfileContent, payload.PythonVersion)
		if err != nil {
			errMsg, encErr := dispatcher.EncodeMessage(dispatcher.OpErr, msg.JobID, dispatcher.ErrPayload{Message: err.Error()})
			if encErr == nil {
				_ = rt.conn.Send(errMsg)
			}

			return
		}

		ready, err := dispatcher.EncodeMessage(dispatcher.OpEnvReady, msg.JobID, dispatcher.EnvReadyPayload{
			EnvHash:         payload.EnvHash,
			InterpreterPath: path,
			Cached:          cached,
		})
		if err != nil {
			return
		}

		_ = rt.conn.Send(ready)
	}()
}

// sendHeartbeat reports this worker's current status and active job ids.
func (rt *Runtime) sendHeartbeat() {
	rt.mu.Lock()
	ids := make([]string, 0, len(rt.active))
	for id := range rt.active {
		ids = append(ids, id)
	}
	atCapacity := len(rt.active) >= rt.cfg.MaxConcurrentJobs
	rt.mu.Unlock()

	status := dispatcher.WorkerAlive
	if atCapacity {
		status = dispatcher.WorkerBusy
	} else if len(ids) == 0 {
		status = dispatcher.WorkerIdle
	}

	msg, err := dispatcher.EncodeMessage(dispatcher.OpHeartbeat, 0, dispatcher.HeartbeatPayload{
		Status:       status,
		ActiveJobIDs: ids,
	})
	if err != nil {
		return
	}

	if err := rt.conn.Send(msg); err != nil {
		rt.logger.Error("worker: sending heartbeat", "error", err.Error())
	}
}

// concludeJob removes a finished job from the active set and sends its
// Conclude message.
func (rt *Runtime) concludeJob(res jobResult) {
	rt.mu.Lock()
	if job, ok := rt.active[res.jobID]; ok {
		close(job.done)
		delete(rt.active, res.jobID)
	}
	rt.mu.Unlock()

	rt.sendConclude(res.jobID, res.receipt)
}

func (rt *Runtime) sendConclude(jobID string, receipt JobReceipt) {
	msg, err := dispatcher.EncodeMessage(dispatcher.OpConclude, jobIDHash(jobID), receipt.ToConcludePayload())
	if err != nil {
		rt.logger.Error("worker: encoding conclude", "job_id", jobID, "error", err.Error())

		return
	}

	if err := rt.conn.Send(msg); err != nil {
		rt.logger.Error("worker: sending conclude", "job_id", jobID, "error", err.Error())
	}
}

// drain cancels every still-active job, waits up to AbortGrace for each to
// report its own result, flushes any results already queued (or force-
// reports the stragglers Aborted), then closes the socket. Conclude
// receipts for jobs finished right before shutdown are never dropped on
// the floor — they are sent before the connection closes.
func (rt *Runtime) drain(ctx context.Context) error {
	rt.mu.Lock()
	jobs := make(map[string]*activeJob, len(rt.active))
	for id, j := range rt.active {
		jobs[id] = j
	}
	rt.mu.Unlock()

	for id, job := range jobs {
		job.cancel()

		grace := time.After(rt.cfg.AbortGrace)

	wait:
		for {
			select {
			case <-job.done:
				break wait
			case res := <-rt.results:
				rt.concludeJob(res)
			case <-grace:
				rt.logger.Warn("worker: job did not conclude within abort grace, force-reporting aborted", "job_id", id)
				rt.concludeJob(jobResult{jobID: id, receipt: JobReceipt{JobID: id, Status: ReceiptAborted, ErrorMessage: "abort grace period exceeded"}})

				break wait
			}
		}
	}

	for {
		select {
		case res := <-rt.results:
			rt.concludeJob(res)
		default:
			return rt.conn.Close()
		}
	}
}

// runJob executes one job end-to-end and posts its terminal receipt to
// the results mailbox; it never touches the socket directly, leaving the
// job's Conclude to the event loop.
func (rt *Runtime) runJob(ctx context.Context, req JobRequest) {
	receipt := rt.executeJob(ctx, req)
	rt.reportOutcome(req, receipt)

	select {
	case rt.results <- jobResult{jobID: req.JobID, receipt: receipt}:
	case <-time.After(rt.cfg.AbortGrace):
		// Runtime is already gone; drop the receipt rather than leak
		// this goroutine forever.
	}
}

// executeJob resolves the interpreter, invokes the bridge, validates and
// lineage-tags every returned batch, and fans the result out to every
// declared sink.
func (rt *Runtime) executeJob(ctx context.Context, req JobRequest) JobReceipt {
	interpreterPath, err := ResolveInterpreter(req.EnvHash, rt.envCache)
	if err != nil {
		return JobReceipt{JobID: req.JobID, Status: ReceiptFailed, ErrorMessage: err.Error()}
	}

	result, err := rt.bridge.Invoke(ctx, BridgeRequest{
		JobID:           req.JobID,
		FilePath:        req.FilePath,
		FileVersionID:   req.FileVersionID,
		SourceCode:      req.SourceCode,
		InterpreterPath: interpreterPath,
	})
	if err != nil {
		if ctx.Err() != nil {
			return JobReceipt{JobID: req.JobID, Status: ReceiptAborted, ErrorMessage: err.Error()}
		}

		return JobReceipt{JobID: req.JobID, Status: ReceiptFailed, ErrorMessage: err.Error()}
	}

	for _, line := range result.Logs {
		rt.logger.Info("worker: bridge log", "job_id", req.JobID, "line", line)
	}

	if ctx.Err() != nil {
		return JobReceipt{JobID: req.JobID, Status: ReceiptAborted, ErrorMessage: ctx.Err().Error()}
	}

	processedAt := time.Now().UTC().Format(time.RFC3339)

	outputName := req.PluginName
	if outputName == "" {
		outputName = "output"
	}

	batches := make([]arrow.Record, len(result.Batches))

	var rows int64

	for i, rec := range result.Batches {
		if req.DeclaredSchema != nil {
			if err := sink.ValidateBatchSchema(rec, req.DeclaredSchema, outputName); err != nil {
				return JobReceipt{JobID: req.JobID, Status: ReceiptFailed, ErrorMessage: err.Error()}
			}
		}

		tagged := arrowutil.AppendLineageColumns(rt.pool, rec, req.FileVersionID, req.JobID, processedAt, req.ParserVersion)
		batches[i] = tagged
		rows += tagged.NumRows()
	}

	plans, err := sink.PlanOutputs(nil, batches, outputName)
	if err != nil {
		return JobReceipt{JobID: req.JobID, Status: ReceiptFailed, ErrorMessage: err.Error()}
	}

	var artifacts []dispatcher.Artifact

	for _, sinkURI := range req.Sinks {
		written, err := sink.WriteOutputPlan(sinkURI, plans, req.JobID)
		if err != nil {
			return JobReceipt{JobID: req.JobID, Status: ReceiptFailed, ErrorMessage: err.Error()}
		}

		for _, a := range written {
			artifacts = append(artifacts, dispatcher.Artifact{Topic: a.Name, URI: a.URI})
		}
	}

	return JobReceipt{JobID: req.JobID, Status: ReceiptSuccess, Rows: rows, Artifacts: artifacts}
}

// reportOutcome mirrors a terminal receipt into the backtest high-failure
// ledger, out of the hot path: a Success zeroes the file's consecutive
// failure count, any other terminal status (bar Rejected, which never
// reached the file) appends a failure event. Skipped entirely when no
// scope is configured.
func (rt *Runtime) reportOutcome(req JobRequest, receipt JobReceipt) {
	if rt.backtestStore == nil || rt.cfg.BacktestScopeID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.AbortGrace)
	defer cancel()

	switch receipt.Status {
	case ReceiptSuccess:
		if err := rt.backtestStore.RecordSuccess(ctx, rt.cfg.BacktestScopeID, req.FilePath); err != nil {
			rt.logger.Warn("worker: recording backtest success", "job_id", req.JobID, "error", err.Error())
		}
	case ReceiptFailed, ReceiptAborted:
		_, err := rt.backtestStore.RecordFailure(ctx, rt.cfg.BacktestScopeID, req.FilePath, backtest.FailureEvent{
			Category:   string(receipt.Status),
			Message:    receipt.ErrorMessage,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			rt.logger.Warn("worker: recording backtest failure", "job_id", req.JobID, "error", err.Error())
		}
	}
}

// readLoop is the single goroutine allowed to call Conn.Recv, feeding
// decoded messages (or a terminal error) to the event loop's channels.
func (rt *Runtime) readLoop() {
	for {
		msg, err := rt.conn.Recv()
		if err != nil {
			select {
			case rt.inboundErr <- err:
			case <-rt.shutdownCh:
			}

			return
		}

		select {
		case rt.inbound <- msg:
		case <-rt.shutdownCh:
			return
		}
	}
}

// jobIDHash folds a string job id into the wire protocol's 64-bit job id
// field using FNV-1a, mirroring internal/dispatcher's own hashing so both
// sides agree on one job's wire id.
func jobIDHash(id string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	h := uint64(offset64)

	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= prime64
	}

	return h
}
