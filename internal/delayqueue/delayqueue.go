// Package delayqueue implements the DelayedActionQueue (spec §4.3): a
// persistent priority queue of (path, action-time) pairs, backed by a
// durable file, drained by one worker that performs each action at its
// scheduled time and only then removes the entry — so a crash between
// acting and persisting may repeat an action (which must be
// idempotent) but can never silently drop one.
//
// Grounded on the teacher's pkg/utils/heap.PriorityQueue for the
// container/heap mechanics (see pqueue.go, specialized there to a
// path-keyed entryQueue) and on the teacher's internal/scheduler
// event-loop style (a single goroutine woken by either a timer or an
// external signal) for Run.
package delayqueue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/bencode"
)

var _ archive.DeletionScheduler = (*Queue)(nil)

// Action is invoked with the path a scheduled entry names. It must be
// idempotent: a crash between Action returning and the entry being
// persisted-as-removed can cause it to run again for the same path.
type Action func(path string) error

type entry struct {
	Path archivepath.Path
	At   archivepath.Time
}

// Queue is a durable, single-worker delayed-action queue.
type Queue struct {
	mu   sync.Mutex
	pq   *entryQueue
	file string
	act  Action
	log  *slog.Logger
	wake chan struct{}
}

// Open loads file's persisted entries (if any) and returns a Queue
// that will run act against each as its time arrives. file need not
// exist yet; a missing file is treated as an empty queue.
func Open(file string, act Action, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		pq:   newEntryQueue(),
		file: file,
		act:  act,
		log:  log.With("component", "delayqueue"),
		wake: make(chan struct{}, 1),
	}

	entries, err := loadEntries(file)
	if err != nil {
		return nil, errors.Wrap(err, "delayqueue: load")
	}
	for _, e := range entries {
		q.pq.enqueue(e)
	}
	return q, nil
}

// ActUponEventually adds an entry for path to run after delay. A delay
// of zero or less runs the action inline, synchronously, and is never
// persisted (spec §4.3).
func (q *Queue) ActUponEventually(path string, delay time.Duration) {
	if delay <= 0 {
		if err := q.act(path); err != nil {
			q.log.Error("inline action failed", "path", path, "error", err)
		}
		return
	}

	q.mu.Lock()
	q.pq.enqueue(entry{Path: archivepath.New(path), At: archivepath.TimeFromStd(time.Now().Add(delay))})
	if err := q.persistLocked(); err != nil {
		q.log.Error("persist after enqueue failed", "error", err)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, meant to run on its own
// task per spec §4's scheduling model.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.mu.Lock()
		e, ok := q.pq.peek()
		q.mu.Unlock()

		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		delay := time.Until(e.At.Std())
		if delay <= 0 {
			q.fire()
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			q.fire()
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// fire pops the earliest entry, runs the action against it, then
// persists the now-shorter queue. Popping happens before acting only
// in memory; the persisted file is not rewritten until after the
// action returns, so a crash mid-action leaves the entry on disk for
// the next startup to retry.
func (q *Queue) fire() {
	q.mu.Lock()
	e, ok := q.pq.dequeue()
	q.mu.Unlock()
	if !ok {
		return
	}

	if err := q.act(e.Path.String()); err != nil {
		q.log.Error("delayed action failed", "path", e.Path, "error", err)
	}

	q.mu.Lock()
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		q.log.Error("persist after action failed", "error", err)
	}
}

func (q *Queue) persistLocked() error {
	items := q.pq.values()
	list := make([]any, 0, len(items))
	for _, e := range items {
		list = append(list, bencode.Dict{
			"path": e.Path.String(),
			"time": e.At.UnixMilli(),
		})
	}

	b, err := bencode.Marshal(list)
	if err != nil {
		return err
	}

	tmp := q.file + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.file)
}

func loadEntries(file string) ([]entry, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}

	v, err := bencode.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errors.New("delayqueue: persisted queue is not a list")
	}

	out := make([]entry, 0, len(list))
	for _, item := range list {
		d, ok := item.(bencode.Dict)
		if !ok {
			continue
		}
		path, _ := d.String("path")
		ms, _ := d.Int64("time")
		out = append(out, entry{Path: archivepath.New(path), At: archivepath.TimeFromUnixMilli(ms)})
	}
	return out, nil
}
