package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of records decoded between confirmations
	DefaultBatchSize = 100
	// Default wait when the WAL has nothing new
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before the session is restarted
	DefaultMaxRetries = 100
)

// WorkerConfig configures the worker streaming one slot
type WorkerConfig struct {
	Slot          string            // Slot name, created if missing
	Database      string            // Database the slot decodes
	Plugin        string            // Output plugin for a new slot
	PluginOptions map[string]string // Passed to the plugin on every start
	Persistency   slot.Persistency
	Failover      bool

	Slots  *slot.Manager
	Engine *decoding.Engine

	Sink            Sink          // Destination sink
	Compressor      Compressor    // Payload encoding, nil = none
	TopicPrefix     string        // Topic prefix (e.g., "slotkeeper.cdc")
	BatchSize       int           // Records decoded between confirmations
	PollInterval    time.Duration // Idle wait
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts (0 = default)
}

// Worker decodes one slot and publishes its output to a sink
type Worker struct {
	config WorkerConfig
	topic  string

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations

	streaming atomic.Bool
	published atomic.Uint64
	restarts  atomic.Uint64

	statusMu  sync.Mutex
	confirmed wal.LSN
	lastErr   error
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Slot == "" {
		return nil, fmt.Errorf("slot name is required")
	}
	if config.Plugin == "" {
		return nil, fmt.Errorf("output plugin is required")
	}
	if config.Slots == nil {
		return nil, fmt.Errorf("slot manager is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("decoding engine is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	// Set defaults
	if config.Compressor == nil {
		config.Compressor = noCompression
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	topic := config.Slot
	if config.TopicPrefix != "" {
		topic = config.TopicPrefix + "." + config.Slot
	}

	return &Worker{config: config, topic: topic}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.running.Store(true)

	log.Info().
		Str("slot", w.config.Slot).
		Str("plugin", w.config.Plugin).
		Str("topic", w.topic).
		Msg("Starting slot publisher worker")

	go w.runLoop(ctx)
}

// Stop stops the worker and waits for it to release its slot
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("slot", w.config.Slot).Msg("Stopping slot publisher worker")

	w.cancel()
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("slot", w.config.Slot).Msg("Slot publisher worker stopped")
}

// Status returns a snapshot of the worker
func (w *Worker) Status() Status {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	st := Status{
		Slot:         w.config.Slot,
		Plugin:       w.config.Plugin,
		Running:      w.running.Load(),
		Streaming:    w.streaming.Load(),
		ConfirmedLSN: w.confirmed.String(),
		Published:    w.published.Load(),
		Restarts:     w.restarts.Load(),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// runLoop keeps a session open until the worker is stopped
func (w *Worker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	delay := w.config.RetryInitial
	for {
		streamed, err := w.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		w.statusMu.Lock()
		w.lastErr = err
		w.statusMu.Unlock()
		w.restarts.Add(1)

		if streamed {
			delay = w.config.RetryInitial
		}

		event := log.Error()
		msg := "Decoding session failed, restarting"
		if errors.Is(err, decoding.ErrSessionTerminated) {
			event = log.Warn()
			msg = "Decoding session terminated, reconnecting"
		}
		event.Err(err).
			Str("slot", w.config.Slot).
			Dur("retry_delay", delay).
			Msg(msg)

		if !sleep(ctx, delay) {
			return
		}
		delay = w.nextDelay(delay)
	}
}

// runSession owns the slot for the lifetime of one decoding session. It
// reports whether the session got as far as streaming.
func (w *Worker) runSession(ctx context.Context) (bool, error) {
	slots := w.config.Slots
	owner := slots.NewOwner()
	defer slots.RemoveOwner(owner)

	s, err := w.acquire(owner)
	if err != nil {
		return false, err
	}

	sess, err := w.open(ctx, owner, s)
	if err != nil {
		if _, gerr := slots.Get(s.Name()); gerr == nil {
			w.release(s, owner)
		}
		return false, err
	}

	w.streaming.Store(true)
	err = w.stream(ctx, sess)
	w.streaming.Store(false)

	if cerr := sess.Close(); cerr != nil {
		log.Warn().Err(cerr).Str("slot", w.config.Slot).Msg("Failed to close decoding session")
	}
	w.release(s, owner)
	return true, err
}

func (w *Worker) acquire(owner *slot.Owner) (*slot.Slot, error) {
	s, err := w.config.Slots.Acquire(w.config.Slot, owner.ID())
	if errors.Is(err, slot.ErrSlotNotFound) {
		return w.config.Slots.Create(slot.CreateOptions{
			Name:        w.config.Slot,
			Database:    w.config.Database,
			Persistency: w.config.Persistency,
			Failover:    w.config.Failover,
		}, owner.ID())
	}
	return s, err
}

func (w *Worker) release(s *slot.Slot, owner *slot.Owner) {
	if err := w.config.Slots.Release(s, owner.ID()); err != nil {
		log.Warn().Err(err).Str("slot", w.config.Slot).Msg("Failed to release slot")
	}
}

// open starts a session on s. A slot that was never initialized is set up
// with the configured plugin; a failed setup drops it so the next attempt
// starts over.
func (w *Worker) open(ctx context.Context, owner *slot.Owner, s *slot.Slot) (*decoding.Session, error) {
	caller := decoding.Caller{Owner: owner, Database: w.config.Database}
	opts := decoding.Options{
		Plugin:        w.config.Plugin,
		PluginOptions: w.config.PluginOptions,
		Write:         w.write(ctx),
	}

	var (
		sess *decoding.Session
		err  error
	)
	if s.State().Plugin == "" {
		sess, err = w.config.Engine.StartNewSession(caller, s, opts)
		if err != nil {
			if derr := w.config.Slots.Drop(s.Name(), owner.ID()); derr != nil {
				log.Warn().Err(derr).Str("slot", s.Name()).Msg("Failed to drop uninitialized slot")
			}
			return nil, err
		}
	} else {
		sess, err = w.config.Engine.ResumeSession(caller, s, wal.InvalidLSN, opts)
		if err != nil {
			return nil, err
		}
	}

	if !sess.IsConsistent() {
		if err := sess.FindConsistentStartPoint(ctx); err != nil {
			sess.Close()
			return nil, err
		}
	}

	w.statusMu.Lock()
	w.confirmed = s.State().ConfirmedFlush
	w.statusMu.Unlock()

	log.Info().
		Str("slot", s.Name()).
		Stringer("start_lsn", sess.StartLSN()).
		Msg("Streaming slot")
	return sess, nil
}

// stream decodes in batches and confirms what has been published
func (w *Worker) stream(ctx context.Context, sess *decoding.Session) error {
	for {
		decoded := 0
		for decoded < w.config.BatchSize {
			ok, err := sess.Decode()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			decoded++
		}

		if err := w.confirm(sess.Slot(), sess.ReadPosition()); err != nil {
			return err
		}

		if decoded == 0 && !sleep(ctx, w.config.PollInterval) {
			return ctx.Err()
		}
	}
}

// confirm acknowledges lsn. Output is published synchronously, so everything
// read so far has been delivered.
func (w *Worker) confirm(s *slot.Slot, lsn wal.LSN) error {
	w.statusMu.Lock()
	behind := lsn.IsValid() && lsn > w.confirmed
	w.statusMu.Unlock()
	if !behind {
		return nil
	}

	if err := w.config.Slots.ConfirmReceived(s, lsn); err != nil {
		return fmt.Errorf("failed to confirm %s: %w", lsn, err)
	}

	w.statusMu.Lock()
	w.confirmed = lsn
	w.statusMu.Unlock()
	return nil
}

// write returns the session's write callback
func (w *Worker) write(ctx context.Context) decoding.WriteFunc {
	return func(out *bytes.Buffer, info decoding.WriteInfo) error {
		data := w.config.Compressor(out.Bytes())
		if err := w.publishWithRetry(ctx, data); err != nil {
			return err
		}
		w.published.Add(1)
		return nil
	}
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(ctx context.Context, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := w.config.Sink.Publish(w.topic, w.config.Slot, data)
		telemetry.PublishSeconds.With(w.config.Slot).Observe(time.Since(start).Seconds())
		if err == nil {
			telemetry.PublishTotal.With(w.config.Slot, "success").Inc()
			return nil
		}
		telemetry.PublishTotal.With(w.config.Slot, "failed").Inc()

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, w.topic, err)
		}

		log.Warn().
			Err(err).
			Str("slot", w.config.Slot).
			Str("topic", w.topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish output, retrying")
		telemetry.PublishRetriesTotal.With(w.config.Slot).Inc()

		if !sleep(ctx, delay) {
			return fmt.Errorf("worker stopped during retry: %w", ctx.Err())
		}
		delay = w.nextDelay(delay)
	}
}

func (w *Worker) nextDelay(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
	if delay > w.config.RetryMax {
		delay = w.config.RetryMax
	}
	return delay
}

// sleep sleeps for the given duration, checking ctx
// Returns true if sleep completed, false if cancelled
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
