package calllog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often a tail checks for new records.
	DefaultPollInterval  = time.Second
	// DefaultTailBatchSize caps records fetched per poll.
	DefaultTailBatchSize = 100
)

// TailConfig configures Follow.
type TailConfig struct {
	// Filter restricts yielded records to one tool.
	Filter Filter

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// BatchSize bounds each store read (default 100).
	BatchSize int

	// Start resumes from an explicit watermark. When nil the tail begins at
	// the newest record present at subscription time.
	Start *Cursor

	// Wait pauses between polls. Tests inject a fake to drive polls
	// deterministically; the default sleeps unless ctx is cancelled.
	Wait func(ctx context.Context, d time.Duration) error

	// OnError, when set, receives every *TailTransientError.
	OnError func(error)

	Logger zerolog.Logger
}

// Tail yields records committed after subscription, in (timestamp, seq)
// order, each at most once.
//
// Records whose start timestamp is older than the watermark but which are
// committed later are not yielded; long-running calls can therefore be
// missed by a tail that was already past their start time.
type Tail struct {
	store   Store
	cfg     TailConfig
	records chan CallRecord
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	cursor Cursor
}

// Follow starts a tail over store. The tail stops when ctx is cancelled or
// Close is called; Records is closed afterwards.
func Follow(ctx context.Context, store Store, cfg TailConfig) (*Tail, error) {
	if store == nil {
		return nil, errors.New("calllog: follow: store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultTailBatchSize
	}
	if cfg.Wait == nil {
		cfg.Wait = sleepContext
	}

	var start Cursor
	if cfg.Start != nil {
		start = *cfg.Start
	} else {
		latest, err := store.Latest(ctx)
		if err != nil {
			return nil, err
		}
		start = latest
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Tail{
		store:   store,
		cfg:     cfg,
		records: make(chan CallRecord),
		cancel:  cancel,
		done:    make(chan struct{}),
		cursor:  start,
	}
	go t.run(ctx)
	return t, nil
}

// Records returns the channel of newly committed records.
func (t *Tail) Records() <-chan CallRecord {
	return t.records
}

// Cursor returns the position of the last yielded record.
func (t *Tail) Cursor() Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Close stops the tail and waits for its goroutine to exit.
func (t *Tail) Close() error {
	t.cancel()
	<-t.done
	return nil
}

// Done is closed once the tail goroutine has exited.
func (t *Tail) Done() <-chan struct{} {
	return t.done
}

func (t *Tail) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.records)

	for {
		if err := t.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			transient := &TailTransientError{Cursor: t.Cursor(), Err: err}
			t.cfg.Logger.Warn().Err(transient).
				Str("tool", t.cfg.Filter.ToolName).
				Msg("tail poll failed; retrying")
			if t.cfg.OnError != nil {
				t.cfg.OnError(transient)
			}
		}
		if err := t.cfg.Wait(ctx, t.cfg.PollInterval); err != nil {
			return
		}
	}
}

// poll drains every record after the cursor, one batch at a time.
func (t *Tail) poll(ctx context.Context) error {
	for {
		recs, err := t.store.After(ctx, t.Cursor(), t.cfg.Filter, t.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			select {
			case t.records <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
			t.advance(rec)
		}
		if len(recs) < t.cfg.BatchSize {
			return nil
		}
	}
}

func (t *Tail) advance(rec CallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := rec.Cursor(); t.cursor.Before(c) {
		t.cursor = c
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
