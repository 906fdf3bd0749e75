// Package encoder produces the two derivative renditions of each captured
// photo. It runs as an isolated actor: tasks go in on a channel, results
// come out on another, and callers correlate the two by task ID. A single
// ready signal is emitted once the worker pool is accepting work.
package encoder

import (
	"errors"
	"log/slog"
	"sync"

	"protomedia/internal/config"
	"protomedia/internal/faults"
	"protomedia/internal/logging"
	"protomedia/internal/media"
)

// Task asks the encoder to produce both renditions of one source image.
type Task struct {
	ID       string
	Source   []byte
	Gallery  config.RenditionParams
	Document config.RenditionParams

	// Capture metadata passed through to the result untouched.
	CapturedAt int64
	Latitude   *float64
	Longitude  *float64
}

// Result carries the outcome of one task. When Err is set the task failed
// as a whole (the source could not be decoded, or both renditions failed).
// Otherwise Set holds whichever renditions succeeded and GalleryErr or
// DocumentErr report an individual failure, if any.
type Result struct {
	ID          string
	Set         media.DerivativeSet
	GalleryErr  error
	DocumentErr error
	Err         error
}

// Encoder is a bounded pool of transcoding workers.
type Encoder struct {
	tasks   chan Task
	results chan Result
	ready   chan struct{}
	logger  *slog.Logger
	workers int

	mu         sync.Mutex
	started    bool
	stopped    bool
	submitters sync.WaitGroup
	wg         sync.WaitGroup
}

// New constructs an encoder with the given pool size. Results are buffered
// so a slow consumer does not immediately stall the pool.
func New(workers int, logger *slog.Logger) *Encoder {
	if workers <= 0 {
		workers = 1
	}
	return &Encoder{
		tasks:   make(chan Task),
		results: make(chan Result, workers*2),
		ready:   make(chan struct{}),
		logger:  logging.NewComponentLogger(logger, "encoder"),
		workers: workers,
	}
}

// Start launches the worker pool and emits the ready signal. Submitting
// before Start returns would race the first task against pool startup;
// callers should wait on Ready first.
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("encoder already started")
	}
	e.started = true

	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.run()
	}
	go func() {
		e.wg.Wait()
		close(e.results)
	}()

	close(e.ready)
	e.logger.Debug("encoder pool started", logging.Int("workers", e.workers))
	return nil
}

// Ready is closed once the pool accepts work.
func (e *Encoder) Ready() <-chan struct{} {
	return e.ready
}

// Results returns the out-of-band result channel. It is closed after Stop
// once all in-flight tasks have drained.
func (e *Encoder) Results() <-chan Result {
	return e.results
}

// Submit hands a task to the pool. It blocks while all workers are busy.
func (e *Encoder) Submit(task Task) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("encoder not accepting work")
	}
	e.submitters.Add(1)
	e.mu.Unlock()
	defer e.submitters.Done()

	e.tasks <- task
	return nil
}

// Stop closes the task intake and waits for in-flight tasks to finish.
func (e *Encoder) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	// Submitters that passed the stopped check may still be handing their
	// task over; the intake stays open until the last of them is done.
	e.submitters.Wait()
	close(e.tasks)
	e.wg.Wait()
}

func (e *Encoder) run() {
	defer e.wg.Done()
	for task := range e.tasks {
		e.results <- e.process(task)
	}
}

func (e *Encoder) process(task Task) Result {
	result := transcode(task)
	switch {
	case result.Err != nil:
		e.logger.Warn("task failed",
			logging.String(logging.FieldItemID, task.ID),
			logging.Error(result.Err),
			logging.String(logging.FieldEventType, "encode_task_failed"),
			logging.String(logging.FieldImpact, "item can be retried individually"))
	case result.GalleryErr != nil || result.DocumentErr != nil:
		err := result.GalleryErr
		if err == nil {
			err = result.DocumentErr
		}
		e.logger.Warn("rendition failed",
			logging.String(logging.FieldItemID, task.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "encode_rendition_failed"))
	default:
		e.logger.Debug("task complete",
			logging.String(logging.FieldItemID, task.ID),
			logging.Int64("original_size", result.Set.OriginalSize))
	}
	return result
}

// DecodeFailure reports whether a task-level error was a source decode
// problem (corrupt or unsupported input) rather than an encoder bug.
func DecodeFailure(err error) bool {
	return errors.Is(err, faults.ErrDecode)
}
