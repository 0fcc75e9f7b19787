// Package upload runs attachment uploads on a fixed pool of workers.
//
// Uploads are long-running and best effort. They are kept off the message
// queue so a large file never delays telemetry. A failed upload is logged
// and dropped. Temporary files are removed after every terminal outcome,
// including tasks abandoned at shutdown.
package upload

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
	"github.com/jdziat/tracestream/pkg/queue"
)

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 4

const pollTimeout = 100 * time.Millisecond

// errAbandoned marks tasks still queued when Close timed out.
var errAbandoned = stderrors.New("upload: abandoned at shutdown")

// Uploader transfers one attachment.
type Uploader interface {
	Upload(ctx context.Context, task *Task) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, task *Task) error

// Upload calls f.
func (f UploaderFunc) Upload(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics is the metrics surface used by this package.
type Metrics interface {
	IncrementCounter(name string, value int64)
	RecordDuration(name string, d time.Duration)
	SetGauge(name string, value float64)
}

// ErrorHandler receives failed uploads.
type ErrorHandler interface {
	Handle(err *pkgerrors.AsyncError)
}

// Config configures a Manager.
type Config struct {
	// Workers is the number of concurrent uploads.
	Workers int

	// Uploader performs the transfer. Required.
	Uploader Uploader

	// Timeout bounds a single upload. Zero leaves it to the Uploader.
	Timeout time.Duration

	Logger  Logger
	Metrics Metrics
	Errors  ErrorHandler
}

// Remaining describes uploads not yet finished.
type Remaining struct {
	Uploads int64
	Bytes   int64
}

// Manager owns the worker pool.
type Manager struct {
	cfg   Config
	log   Logger
	tasks *queue.Queue[*Task]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	outstanding atomic.Int64
	bytes       atomic.Int64
}

// NewManager starts cfg.Workers workers.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("upload: uploader is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		log:    log,
		tasks:  queue.New(queue.Config[*Task]{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range cfg.Workers {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m, nil
}

// Submit queues task. It never blocks on the upload itself. After Close,
// Submit returns ErrClosed and the task is finished without uploading, so
// its temporary file is still removed.
func (m *Manager) Submit(task *Task) error {
	if m.closed.Load() {
		m.finish(task, pkgerrors.ErrClosed)
		return pkgerrors.ErrClosed
	}

	m.outstanding.Add(1)
	m.bytes.Add(task.Size())
	if err := m.tasks.Put(task); err != nil {
		m.release(task)
		m.finish(task, err)
		return err
	}
	m.gauge()
	return nil
}

// RemainingData reports uploads submitted but not yet finished.
func (m *Manager) RemainingData() Remaining {
	return Remaining{
		Uploads: m.outstanding.Load(),
		Bytes:   m.bytes.Load(),
	}
}

// Close stops accepting tasks and waits up to timeout for the workers to
// finish what is queued. It reports whether they did. Tasks that never
// started before the timeout are abandoned and their temporary files
// removed. Close is idempotent; later calls only wait.
func (m *Manager) Close(timeout time.Duration) bool {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.tasks.Close()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		m.cancel()
		return true
	case <-timer.C:
	}

	m.cancel()
	abandoned := m.tasks.Drain()
	for _, task := range abandoned {
		m.release(task)
		m.finish(task, errAbandoned)
	}
	if len(abandoned) > 0 {
		m.log.Error("upload pool closed before queued uploads started", "abandoned", len(abandoned))
	}
	return false
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		task, ok := m.tasks.Get(m.ctx, pollTimeout)
		if !ok {
			if (m.tasks.Closed() && m.tasks.Len() == 0) || m.ctx.Err() != nil {
				return
			}
			continue
		}
		m.run(id, task)
		m.tasks.Done()
	}
}

func (m *Manager) run(worker int, task *Task) {
	start := time.Now()
	err := m.safeUpload(task)
	elapsed := time.Since(start)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordDuration("tracestream.upload.duration", elapsed)
	}
	if err == nil {
		m.log.Debug("attachment uploaded",
			"worker", worker,
			"attachment_id", task.ID,
			"file_name", task.FileName,
			"bytes", task.Size(),
			"duration", elapsed,
		)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.IncrementCounter("tracestream.upload.completed", 1)
			m.cfg.Metrics.IncrementCounter("tracestream.upload.bytes", task.Size())
		}
	}

	m.finish(task, err)
	m.release(task)
}

func (m *Manager) safeUpload(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload: uploader panicked: %v", r)
		}
	}()

	ctx := context.Background()
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	return m.cfg.Uploader.Upload(ctx, task)
}

// finish reports a failure, removes the temporary file and marks the task done.
func (m *Manager) finish(task *Task, err error) {
	if err != nil {
		m.log.Error("attachment upload failed, dropping",
			"attachment_id", task.ID,
			"entity_type", string(task.EntityType),
			"entity_id", task.EntityID,
			"error", err,
		)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.IncrementCounter("tracestream.upload.failed", 1)
		}
		if m.cfg.Errors != nil {
			m.cfg.Errors.Handle(pkgerrors.NewAsyncError(pkgerrors.AsyncOpUpload, err).
				WithMessageIDs(task.ID).
				WithContext("file_name", task.FileName))
		}
	}
	if cerr := task.cleanup(); cerr != nil {
		m.log.Error("failed to remove temporary attachment file", "path", task.FilePath, "error", cerr)
	}
	task.done.Store(true)
}

// release decrements the outstanding counters for task.
func (m *Manager) release(task *Task) {
	m.outstanding.Add(-1)
	m.bytes.Add(-task.Size())
	m.gauge()
}

func (m *Manager) gauge() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetGauge("tracestream.upload.outstanding", float64(m.outstanding.Load()))
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Error(string, ...any) {}
