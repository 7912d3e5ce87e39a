// Package transferengine coordinates per-peer FIFO transfer queues, a
// bounded worker pool per peer, retry/backoff, cancellation flags, and
// queue-snapshot persistence.
package transferengine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/keymesh/keymesh/internal/audit"
	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/framing"
	"github.com/keymesh/keymesh/internal/handshake"
	"github.com/keymesh/keymesh/internal/keymesherr"
	"github.com/keymesh/keymesh/internal/mtls"
	"github.com/keymesh/keymesh/internal/observability"
	"github.com/keymesh/keymesh/internal/pathutil"
	"github.com/keymesh/keymesh/internal/peerstate"
	"github.com/keymesh/keymesh/internal/transferproto"
	"github.com/keymesh/keymesh/internal/transfersession"
)

// Status is a TransferTask's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task tracks one file transfer's runtime state.
type Task struct {
	TaskID       uint64
	PeerID       string
	Share        string
	RelativePath string
	AbsolutePath string
	Mode         string
	TotalBytes   int64

	mu        sync.Mutex
	Status    Status
	Retries   int
	Error     string
	BytesDone int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Task) mark(status Status, errMsg string) {
	t.mu.Lock()
	t.Status = status
	t.Error = errMsg
	t.UpdatedAt = time.Now()
	t.mu.Unlock()
}

func (t *Task) snapshot() taskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return taskSnapshot{
		TaskID:     t.TaskID,
		Peer:       t.PeerID,
		Share:      t.Share,
		File:       t.RelativePath,
		Status:     string(t.Status),
		BytesDone:  t.BytesDone,
		TotalBytes: t.TotalBytes,
		Retries:    t.Retries,
		Error:      t.Error,
		Mode:       t.Mode,
	}
}

type taskSnapshot struct {
	TaskID     uint64 `json:"task_id"`
	Peer       string `json:"peer"`
	Share      string `json:"share"`
	File       string `json:"file"`
	Status     string `json:"status"`
	BytesDone  int64  `json:"bytes_done"`
	TotalBytes int64  `json:"total_bytes"`
	Retries    int    `json:"retries"`
	Error      string `json:"error,omitempty"`
	Mode       string `json:"mode"`
}

// Engine is a single in-process transfer coordinator owning one FIFO queue
// and a worker fleet per configured peer.
type Engine struct {
	cfg       *config.Config
	registry  *peerstate.Registry
	log       *zap.Logger
	tlsConfig *tls.Config

	chunkSize      int
	maxConcurrent  int
	retryBackoff   []float64
	maxRetries     int
	rateLimitBytes int64
	sessionsDir    string
	auditDir       string
	shareMap       map[string]config.Share
	metrics        *observability.Metrics

	taskSeq uint64

	mu     sync.Mutex
	queues map[string]chan *Task
	tasks  map[uint64]*Task

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewEngine builds an Engine from cfg, sharing registry and tlsConfig with
// the peer session layer.
func NewEngine(cfg *config.Config, registry *peerstate.Registry, log *zap.Logger) (*Engine, error) {
	tlsConfig, err := mtls.ClientConfig(cfg.Security)
	if err != nil {
		return nil, err
	}
	shareMap := make(map[string]config.Share, len(cfg.Shares))
	for _, s := range cfg.Shares {
		shareMap[s.Name] = s
	}
	rateLimitBytes := int64(0)
	if cfg.Transfer.RateLimitMBs > 0 {
		rateLimitBytes = int64(cfg.Transfer.RateLimitMBs * 1024 * 1024)
	}
	return &Engine{
		cfg:            cfg,
		registry:       registry,
		log:            log,
		tlsConfig:      tlsConfig,
		chunkSize:      cfg.Transfer.ChunkSizeMB * 1024 * 1024,
		maxConcurrent:  cfg.Transfer.MaxConcurrentPerPeer,
		retryBackoff:   cfg.Transfer.RetryBackoffSec,
		maxRetries:     cfg.Transfer.MaxRetries,
		rateLimitBytes: rateLimitBytes,
		sessionsDir:    cfg.Transfer.SessionsDir,
		auditDir:       cfg.Transfer.AuditLogDir,
		shareMap:       shareMap,
		queues:         make(map[string]chan *Task),
		tasks:          make(map[uint64]*Task),
		stopCh:         make(chan struct{}),
	}, nil
}

// SetMetrics wires the Prometheus collectors this engine reports to. If
// never set, transfer and queue-depth events are simply not counted.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

func (e *Engine) queueFor(peerID string) chan *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[peerID]
	if !ok {
		q = make(chan *Task, 4096)
		e.queues[peerID] = q
	}
	return q
}

func (e *Engine) setQueueDepth(peerID string) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueueDepth.WithLabelValues(peerID).Set(float64(len(e.queueFor(peerID))))
}

func (e *Engine) resolveFile(shareName, candidate string, declaredSize int64) (string, string, int64, error) {
	share, ok := e.shareMap[shareName]
	if !ok {
		return "", "", 0, &keymesherr.ConfigError{Msg: fmt.Sprintf("unknown share %q", shareName)}
	}
	absolute, err := pathutil.EnsureWithin(share.Path, candidate)
	if err != nil {
		return "", "", 0, err
	}
	relative, err := filepath.Rel(share.Path, absolute)
	if err != nil {
		return "", "", 0, &keymesherr.PathEscapeError{Root: share.Path, Candidate: candidate}
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return "", "", 0, &keymesherr.IoError{Op: "stat", Path: absolute, Cause: err}
	}
	size := declaredSize
	if size <= 0 {
		size = info.Size()
	}
	return absolute, pathutil.ToPosix(relative), size, nil
}

// Enqueue resolves candidatePath under shareName, seeds the task from any
// prior session progress, and appends it to the peer's queue.
func (e *Engine) Enqueue(peerID, shareName, candidatePath string, declaredSize int64, mode string) (*Task, error) {
	absolute, relative, size, err := e.resolveFile(shareName, candidatePath, declaredSize)
	if err != nil {
		return nil, err
	}

	taskID := atomic.AddUint64(&e.taskSeq, 1)
	task := &Task{
		TaskID:       taskID,
		PeerID:       peerID,
		Share:        shareName,
		RelativePath: relative,
		AbsolutePath: absolute,
		Mode:         mode,
		TotalBytes:   size,
		Status:       StatusQueued,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	session, err := transfersession.New(peerID, shareName, absolute, mode, e.sessionsDir)
	if err != nil {
		return nil, err
	}
	progress, err := session.LoadProgress()
	if err != nil {
		return nil, err
	}
	task.BytesDone = progress.BytesDone

	e.mu.Lock()
	e.tasks[taskID] = task
	e.mu.Unlock()

	e.queueFor(peerID) <- task
	e.setQueueDepth(peerID)
	if err := e.persistStates(); err != nil {
		e.log.Warn("failed to persist queue snapshot", zap.Error(err))
	}
	e.log.Info("enqueued transfer task", zap.Uint64("task_id", taskID), zap.String("peer_id", peerID), zap.String("share", shareName), zap.String("path", relative))
	return task, nil
}

// RunForever starts the worker fleet (MaxConcurrentPerPeer workers per
// configured peer) and blocks until ctx is cancelled or Stop is called.
// It first reloads any queued tasks left behind by a prior process (e.g.
// tasks enqueued via the "send" CLI command while the daemon was not
// running) and requeues them for processing.
func (e *Engine) RunForever(ctx context.Context) {
	if err := e.LoadPersisted(); err != nil {
		e.log.Warn("failed to reload persisted queue", zap.Error(err))
	} else {
		e.mu.Lock()
		var pending []*Task
		for _, t := range e.tasks {
			if t.Status == StatusQueued {
				pending = append(pending, t)
			}
		}
		e.mu.Unlock()
		for _, t := range pending {
			e.queueFor(t.PeerID) <- t
		}
	}

	for _, peerCfg := range e.cfg.Peers {
		peerID := peerCfg.ID
		count := e.maxConcurrent
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx, peerID)
			}()
		}
	}
	<-ctx.Done()
	e.Stop()
}

// Stop signals every worker to drain and waits for them to exit.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		close(e.stopCh)
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, peerID string) {
	queue := e.queueFor(peerID)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case task := <-queue:
			e.setQueueDepth(peerID)
			if task.Status == StatusCancelled {
				continue
			}
			if e.consumeCancelFlag(task.TaskID) {
				task.mark(StatusCancelled, "")
				e.persistStates()
				continue
			}
			e.runTask(ctx, task)
		case <-time.After(time.Second):
			continue
		}
	}
}

func (e *Engine) cancelFlagPath(taskID uint64) string {
	return filepath.Join(e.sessionsDir, fmt.Sprintf("cancel_%d.flag", taskID))
}

func (e *Engine) consumeCancelFlag(taskID uint64) bool {
	path := e.cancelFlagPath(taskID)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	os.Remove(path)
	return true
}

func (e *Engine) runTask(ctx context.Context, task *Task) {
	session, err := transfersession.New(task.PeerID, task.Share, task.AbsolutePath, task.Mode, e.sessionsDir)
	if err != nil {
		task.mark(StatusFailed, err.Error())
		e.persistStates()
		return
	}
	progress, err := session.LoadProgress()
	if err != nil {
		task.mark(StatusFailed, err.Error())
		e.persistStates()
		return
	}
	resumeBytes := progress.BytesDone
	if resumeBytes > task.TotalBytes {
		resumeBytes = task.TotalBytes
	}
	baseChunk := progress.ChunkID

	task.mark(StatusRunning, "")
	e.persistStates()

	if e.consumeCancelFlag(task.TaskID) {
		task.mark(StatusCancelled, "")
		e.persistStates()
		return
	}

	peerCfg, ok := e.cfg.PeerByID(task.PeerID)
	if !ok {
		task.mark(StatusFailed, "peer not configured")
		e.persistStates()
		return
	}

	start := time.Now()
	result, err := e.sendOnce(ctx, task, peerCfg, resumeBytes, baseChunk, session)
	if err != nil {
		task.mu.Lock()
		task.Retries++
		retries := task.Retries
		task.mu.Unlock()
		task.mark(StatusFailed, err.Error())
		e.persistStates()
		e.log.Error("transfer task failed", zap.Uint64("task_id", task.TaskID), zap.Int("retries", retries), zap.Int("max_retries", e.maxRetries), zap.Error(err))

		if retries <= e.maxRetries {
			time.Sleep(backoffDelay(e.retryBackoff, retries))
			task.mark(StatusQueued, "")
			e.persistStates()
			e.queueFor(task.PeerID) <- task
			e.setQueueDepth(task.PeerID)
		} else {
			audit.LogEvent(e.auditDir, task.PeerID, task.Share, task.RelativePath, "send", "failed", task.BytesDone, 0)
			e.persistStates()
			e.recordTransfer("sent", "failed", task.BytesDone)
		}
		return
	}

	task.mu.Lock()
	task.BytesDone = result.Bytes
	task.mu.Unlock()
	if err := session.Finalize(); err != nil {
		e.log.Warn("finalize failed", zap.Uint64("task_id", task.TaskID), zap.Error(err))
	}
	task.mark(StatusSuccess, "")
	e.persistStates()
	e.recordTransfer("sent", "success", result.Bytes)
	audit.LogEvent(e.auditDir, task.PeerID, task.Share, task.RelativePath, "send", "success", result.Bytes, time.Since(start))
}

func (e *Engine) recordTransfer(direction, outcome string, bytes int64) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransferBytesTotal.WithLabelValues(direction, outcome).Add(float64(bytes))
	e.metrics.TransferTasksTotal.WithLabelValues(outcome).Inc()
}

func backoffDelay(backoff []float64, retries int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	idx := retries - 1
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(backoff[idx] * float64(time.Second))
}

func (e *Engine) sendOnce(ctx context.Context, task *Task, peerCfg *config.Peer, resumeBytes, baseChunk int64, session *transfersession.Session) (transferproto.SendResult, error) {
	dialer := &tls.Dialer{Config: e.tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", peerCfg.Addr)
	if err != nil {
		return transferproto.SendResult{}, &keymesherr.IoError{Op: "dial", Path: peerCfg.Addr, Cause: err}
	}
	defer conn.Close()

	allowedShares := peerCfg.AllowedShares()
	if err := framing.WriteJSON(conn, handshake.BuildHello(e.cfg.Node.ID, allowedShares)); err != nil {
		return transferproto.SendResult{}, err
	}
	ackObj, err := framing.ReadJSON(conn)
	if err != nil {
		return transferproto.SendResult{}, err
	}
	ack, err := handshake.ValidateAck(ackObj)
	if err != nil {
		return transferproto.SendResult{}, err
	}
	if !ack.OK {
		return transferproto.SendResult{}, &keymesherr.AuthError{Msg: ack.Reason}
	}
	if ack.PeerID != "" && ack.PeerID != task.PeerID {
		return transferproto.SendResult{}, &keymesherr.AuthError{Msg: "peer id mismatch during transfer handshake"}
	}
	if !containsString(ack.Capabilities.Shares, task.Share) {
		return transferproto.SendResult{}, &keymesherr.AuthError{Msg: fmt.Sprintf("share %s not permitted by remote", task.Share)}
	}

	startChunk := baseChunk
	progressFn := func(_ int, chunks int, bytesTotal int64) {
		task.mu.Lock()
		task.BytesDone = bytesTotal
		task.mu.Unlock()
		session.SaveProgress(startChunk+int64(chunks), bytesTotal)
	}

	return transferproto.SendFile(conn, task.AbsolutePath, task.Share, task.RelativePath, transferproto.SendOptions{
		ChunkSize:            e.chunkSize,
		ResumeOffset:         resumeBytes,
		RateLimitBytesPerSec: e.rateLimitBytes,
		MaxRetries:           e.maxRetries,
		RetryBackoff:         e.retryBackoff,
		Progress:             progressFn,
	})
}

// ReceiveIncoming handles one inbound FILE_REQ frame already read off conn
// (passed as fileReq, so the caller's generic frame dispatch doesn't need
// to know about transfer-protocol internals): it checks the share is
// permitted for peerID, stages the write behind the matching
// transfersession's ".part" file so a resumed push picks up where a prior
// attempt left off, and hands the rest of the exchange to
// transferproto.ReceiveFile.
func (e *Engine) ReceiveIncoming(conn io.ReadWriter, peerID string, fileReq map[string]any, allowedShares []string) error {
	shareName, _ := fileReq["share"].(string)
	relativePath, _ := fileReq["file"].(string)
	if shareName == "" || relativePath == "" {
		framing.WriteJSON(conn, map[string]any{"type": "FILE_META", "status": "error", "error": "missing share or file"})
		return &keymesherr.ProtocolError{Msg: "FILE_REQ missing share or file"}
	}
	if !containsString(allowedShares, shareName) {
		framing.WriteJSON(conn, map[string]any{"type": "FILE_META", "status": "error", "error": "share not allowed"})
		return &keymesherr.AuthError{Msg: fmt.Sprintf("share %s not permitted for peer %s", shareName, peerID)}
	}
	share, ok := e.shareMap[shareName]
	if !ok {
		framing.WriteJSON(conn, map[string]any{"type": "FILE_META", "status": "error", "error": "unknown share"})
		return &keymesherr.ConfigError{Msg: fmt.Sprintf("unknown share %q", shareName)}
	}
	absolute, err := pathutil.EnsureWithin(share.Path, filepath.FromSlash(relativePath))
	if err != nil {
		framing.WriteJSON(conn, map[string]any{"type": "FILE_META", "status": "error", "error": "invalid path"})
		return err
	}

	session, err := transfersession.New(peerID, shareName, absolute, "receive", e.sessionsDir)
	if err != nil {
		return err
	}
	progress, err := session.LoadProgress()
	if err != nil {
		return err
	}

	start := time.Now()
	startChunk := progress.ChunkID
	progressFn := func(_ int, chunks int, bytesTotal int64) {
		session.SaveProgress(startChunk+int64(chunks), bytesTotal)
	}

	result, err := transferproto.ReceiveFile(conn, session.PartialPath(), transferproto.ReceiveOptions{
		InitialRequest:       fileReq,
		ResumeOffset:         progress.BytesDone,
		ChunkSize:            e.chunkSize,
		RateLimitBytesPerSec: e.rateLimitBytes,
		Progress:             progressFn,
	})
	if err != nil {
		audit.LogEvent(e.auditDir, peerID, shareName, relativePath, "receive", "failed", progress.BytesDone, time.Since(start))
		e.recordTransfer("received", "failed", progress.BytesDone)
		return err
	}

	if err := session.Finalize(); err != nil {
		e.log.Warn("finalize incoming transfer failed", zap.String("peer_id", peerID), zap.String("share", shareName), zap.String("file", relativePath), zap.Error(err))
	}
	e.recordTransfer("received", "success", result.Bytes)
	audit.LogEvent(e.auditDir, peerID, shareName, relativePath, "receive", "success", result.Bytes, time.Since(start))
	e.log.Info("received file from peer", zap.String("peer_id", peerID), zap.String("share", shareName), zap.String("file", relativePath), zap.Int64("bytes", result.Bytes))
	return nil
}

func containsString(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// LoadPersisted populates the in-memory task table from the last
// persisted queue snapshot, so a freshly constructed Engine (as the CLI's
// queue/cancel commands build, separately from the running daemon
// process) can observe tasks enqueued by a prior process.
func (e *Engine) LoadPersisted() error {
	snapshotPath := filepath.Join(e.sessionsDir, "queue.json")
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &keymesherr.IoError{Op: "read", Path: snapshotPath, Cause: err}
	}
	var snapshots []taskSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return &keymesherr.IoError{Op: "parse", Path: snapshotPath, Cause: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, snap := range snapshots {
		absolute := ""
		if share, ok := e.shareMap[snap.Share]; ok {
			absolute = filepath.Join(share.Path, filepath.FromSlash(snap.File))
		}
		e.tasks[snap.TaskID] = &Task{
			TaskID:       snap.TaskID,
			PeerID:       snap.Peer,
			Share:        snap.Share,
			RelativePath: snap.File,
			AbsolutePath: absolute,
			Mode:         snap.Mode,
			TotalBytes:   snap.TotalBytes,
			Status:       Status(snap.Status),
			Retries:      snap.Retries,
			Error:        snap.Error,
			BytesDone:    snap.BytesDone,
		}
		if snap.TaskID > e.taskSeq {
			e.taskSeq = snap.TaskID
		}
	}
	return nil
}

// ListTasks returns a point-in-time snapshot of every known task.
func (e *Engine) ListTasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	return out
}

// Cancel marks a task cancelled and writes its cancel flag file, which a
// worker checks when it dequeues the task and again before dialing the
// peer; a transfer already streaming is not interrupted.
func (e *Engine) Cancel(taskID uint64) (bool, error) {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	task.mark(StatusCancelled, "")
	if err := e.persistStates(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(e.sessionsDir, 0o755); err != nil {
		return false, &keymesherr.IoError{Op: "mkdir", Path: e.sessionsDir, Cause: err}
	}
	if err := os.WriteFile(e.cancelFlagPath(taskID), []byte("cancelled"), 0o644); err != nil {
		return false, &keymesherr.IoError{Op: "write", Path: e.cancelFlagPath(taskID), Cause: err}
	}
	return true, nil
}

func (e *Engine) persistStates() error {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	snapshots := make([]taskSnapshot, len(tasks))
	for i, t := range tasks {
		snapshots[i] = t.snapshot()
	}
	for i := range snapshots {
		for j := i + 1; j < len(snapshots); j++ {
			if snapshots[j].TaskID < snapshots[i].TaskID {
				snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
			}
		}
	}

	if err := os.MkdirAll(e.sessionsDir, 0o755); err != nil {
		return &keymesherr.IoError{Op: "mkdir", Path: e.sessionsDir, Cause: err}
	}
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return &keymesherr.IoError{Op: "encode", Path: "queue.json", Cause: err}
	}
	snapshotPath := filepath.Join(e.sessionsDir, "queue.json")
	if err := os.WriteFile(snapshotPath, data, 0o644); err != nil {
		return &keymesherr.IoError{Op: "write", Path: snapshotPath, Cause: err}
	}
	return nil
}
