// Package scheduler implements the synchronized discrete-event loop: a
// priority queue of closures gated by a barrier that only advances once the
// sync client has been granted the next run permission. Grounded line for
// line in sync-simulator-impl.cc's ProcessOneEvent/Run/Schedule*/Cancel/
// Remove/IsExpired/Destroy.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimmoahokas/slicetime/internal/eventqueue"
)

// SyncClient is the subset of *syncclient.Client the scheduler drives. A
// narrow interface here keeps the scheduler independently testable with a
// fake barrier source.
type SyncClient interface {
	SendFinished(runTimeMicros, realTimeMicros uint32) error
	WaitForRunPermission() (runTimeMicros uint32, err error)
}

// EventID identifies one scheduled event for Cancel/Remove/IsExpired.
type EventID struct {
	ts  int64
	uid eventqueue.UID
}

// destroyEvent is a closure scheduled to run only at teardown, when Run
// exits its loop, in registration order, never subject to the barrier.
type destroyEvent struct {
	id        EventID
	fn        func()
	cancelled bool
}

// Scheduler is the synchronized event loop of spec.md §4.5. The zero value
// is not usable; construct with New.
type Scheduler struct {
	client SyncClient
	log    *logrus.Entry

	mu        sync.Mutex
	queue     *eventqueue.Queue
	nextUID   eventqueue.UID
	currentTs int64

	barrierTs              int64
	isWaitingForPermission bool
	firstRound             bool
	newEventArrived        bool
	// lastRunTimeMicros is the run-time of the most recent grant, reported
	// back in the next Finished. Touched only by the Run goroutine.
	lastRunTimeMicros uint32

	destroyEvents []*destroyEvent
	destroySeq    int64

	stop    bool
	running bool
}

// New creates a Scheduler driven by client for barrier synchronization.
func New(client SyncClient, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		client:     client,
		log:        log,
		queue:      eventqueue.New(),
		nextUID:    eventqueue.FirstUserUID,
		firstRound: true,
	}
}

// Now returns the current simulated time, frozen at the timestamp of the
// event currently executing (or the last one executed).
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.currentTs)
}

// Schedule queues fn to run at Now()+delay. delay must not be negative.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delay < 0 {
		return EventID{}, fmt.Errorf("scheduler: negative delay %s", delay)
	}
	ts := s.currentTs + int64(delay)
	return s.insertLocked(ts, fn), nil
}

// ScheduleNow queues fn to run at the current simulated time, after any
// already-queued event at that same timestamp (FIFO via increasing UID).
func (s *Scheduler) ScheduleNow(fn func()) EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(s.currentTs, fn)
}

// ScheduleInCurrentSlice queues fn to land within the time slice currently
// being executed (or about to be waited for), per spec.md §4.6's ingress
// placement policy: at barrier_ts if the loop is waiting for a grant, or at
// barrier_ts-1 (the very end of the in-progress slice) otherwise.
func (s *Scheduler) ScheduleInCurrentSlice(fn func()) EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts int64
	if s.isWaitingForPermission {
		ts = s.barrierTs
	} else {
		ts = s.barrierTs - 1
	}
	return s.insertLocked(ts, fn)
}

// ScheduleDestroy registers fn to run once, in registration order, when Run
// exits its loop (queue drained, Stop, or ctx cancelled). Destroy events are
// never barrier-gated.
func (s *Scheduler) ScheduleDestroy(fn func()) EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := EventID{ts: s.destroySeq, uid: eventqueue.UIDDestroy}
	s.destroySeq++
	s.destroyEvents = append(s.destroyEvents, &destroyEvent{id: id, fn: fn})
	return id
}

func (s *Scheduler) insertLocked(ts int64, fn func()) EventID {
	uid := s.nextUID
	s.nextUID++
	s.queue.Insert(&eventqueue.Item{TimestampNs: ts, UID: uid, Payload: fn})
	s.newEventArrived = true
	return EventID{ts: ts, uid: uid}
}

// Cancel prevents an event from being invoked. An ordinary event is removed
// from the queue at once; a destroy event is flagged as cancelled and skipped
// at teardown.
func (s *Scheduler) Cancel(id EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.uid == eventqueue.UIDDestroy {
		for _, d := range s.destroyEvents {
			if d.id == id {
				d.cancelled = true
				return
			}
		}
		return
	}
	// Go closures carry no cancellation flag of their own, so cancellation
	// for ordinary events is implemented as an eager Remove: there is no
	// difference in outcome (the event never runs) and no separate
	// "invoke but skip body" state to track.
	s.removeLocked(id)
}

// Remove excises a pending event outright.
func (s *Scheduler) Remove(id EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.uid == eventqueue.UIDDestroy {
		for i, d := range s.destroyEvents {
			if d.id == id {
				s.destroyEvents = append(s.destroyEvents[:i], s.destroyEvents[i+1:]...)
				return
			}
		}
		return
	}
	s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id EventID) {
	s.queue.RemoveByUID(id.uid)
}

// IsExpired reports whether id has already fired, been cancelled, or been
// removed (i.e. no longer pending).
func (s *Scheduler) IsExpired(id EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.uid == eventqueue.UIDDestroy {
		for _, d := range s.destroyEvents {
			if d.id == id {
				return d.cancelled
			}
		}
		return true
	}
	return !s.queue.Has(id.uid)
}

// Stop requests the run loop exit after the event currently in flight (or
// immediately, if called between events).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = true
}

// StopAt schedules a Stop at the given simulated time.
func (s *Scheduler) StopAt(at time.Duration) {
	s.Schedule(at-s.Now(), s.Stop) //nolint:errcheck // at is caller-validated absolute time
}

// Run drives the event loop until the queue is empty, Stop is called, or ctx
// is cancelled. Run neither registers nor unregisters client: the caller
// connects it before Run and disconnects it afterwards.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	s.running = true
	s.barrierTs = 0
	s.isWaitingForPermission = true
	s.firstRound = true
	s.stop = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		done := s.stop || s.queue.IsEmpty()
		s.mu.Unlock()
		if done {
			break
		}
		select {
		case <-ctx.Done():
			s.runDestroyEvents()
			return ctx.Err()
		default:
		}
		if err := s.processOneEvent(ctx); err != nil {
			return err
		}
	}

	s.runDestroyEvents()
	return nil
}

// processOneEvent implements ProcessOneEvent's restart loop: it waits for as
// many run permissions as needed to cross the next event's timestamp,
// re-checking newEventArrived (set by a concurrent ScheduleInCurrentSlice
// call from the ingress bridge) after every grant, exactly as the "goto
// beginningOfProcessOneEvent" of the reference implementation does.
func (s *Scheduler) processOneEvent(ctx context.Context) error {
restart:
	s.mu.Lock()
	s.newEventArrived = false
	tsNext := s.queue.PeekEarliest().TimestampNs

	for tsNext >= s.barrierTs {
		s.isWaitingForPermission = true
		firstRound := s.firstRound
		s.firstRound = false
		s.mu.Unlock()

		if !firstRound {
			if err := s.client.SendFinished(s.lastRunTimeMicros, 0); err != nil {
				return fmt.Errorf("scheduler: send finished: %w", err)
			}
		}

		runTimeMicros, err := s.client.WaitForRunPermission()
		if err != nil {
			return fmt.Errorf("scheduler: wait for run permission: %w", err)
		}
		s.lastRunTimeMicros = runTimeMicros

		s.mu.Lock()
		s.barrierTs += int64(runTimeMicros) * int64(time.Microsecond)
		if s.newEventArrived {
			s.mu.Unlock()
			s.log.Debug("event arrived while waiting for run permission, restarting wait")
			goto restart
		}
		tsNext = s.queue.PeekEarliest().TimestampNs
	}
	s.isWaitingForPermission = false

	item := s.queue.RemoveEarliest()
	if item.TimestampNs < s.currentTs {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: event list order violated: %d < %d", item.TimestampNs, s.currentTs)
	}
	s.currentTs = item.TimestampNs
	s.mu.Unlock()

	fn := item.Payload.(func())
	fn()
	return nil
}

func (s *Scheduler) runDestroyEvents() {
	s.mu.Lock()
	events := s.destroyEvents
	s.destroyEvents = nil
	s.mu.Unlock()

	for _, d := range events {
		if !d.cancelled {
			d.fn()
		}
	}
}
