// Package syncstatus is the derived, read-only view of the engine:
// current scheduler state plus the number of queued mutations. Truth
// lives in the queue and the entity store, this component only mirrors
// them for the UI layer and tests.
package syncstatus

import (
	"context"
	"sync"
	"time"

	"github.com/cheggaaa/mb/v3"
	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/metric"
	"github.com/flatmates/flat-sync/storage/queuestorage"
	"github.com/flatmates/flat-sync/syncservice"
	"github.com/flatmates/flat-sync/util/periodicsync"
)

const CName = "flatsync.syncstatus"

var log = logger.NewNamed(CName)

const (
	refreshIntervalSecs = 5
	refreshTimeout      = time.Second
)

// SyncStatus is the user-facing state.
type SyncStatus int

const (
	StatusIdle SyncStatus = iota
	StatusPending
	StatusSyncing
	StatusSynced
	StatusFailed
)

func (s SyncStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusPending:
		return "PENDING"
	case StatusSyncing:
		return "SYNCING"
	case StatusSynced:
		return "SYNCED"
	case StatusFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// StatusEvent is one published snapshot.
type StatusEvent struct {
	Status       SyncStatus
	PendingCount int
	LastError    string
	// LastSyncUnix is the wall clock of the last successful session,
	// unix millis, zero before the first one
	LastSyncUnix int64
}

type Service interface {
	app.ComponentRunnable
	Status() StatusEvent
	// Watch subscribes to snapshots; the returned queue is closed
	// together with the component
	Watch() *mb.MB[StatusEvent]
}

func New() Service {
	return &service{}
}

type service struct {
	queue    queuestorage.QueueStorage
	metrics  metric.Metric
	periodic periodicsync.PeriodicSync

	mu           sync.Mutex
	status       SyncStatus
	pendingCount int
	lastError    string
	lastSync     int64
	watchers     []*mb.MB[StatusEvent]
}

func (s *service) Init(a *app.App) (err error) {
	s.queue = a.MustComponent(queuestorage.CName).(queuestorage.QueueStorage)
	s.queue.AddObserver(s)
	if c := a.Component(syncservice.CName); c != nil {
		c.(syncservice.SyncService).AddStateReceiver(s)
	}
	if c := a.Component(metric.CName); c != nil {
		s.metrics = c.(metric.Metric)
	}
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) Run(ctx context.Context) (err error) {
	count, err := s.queue.Count(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.pendingCount = count
	s.mu.Unlock()
	// the periodic refresh catches writes made outside the observer
	// path, e.g. by another process sharing the store
	s.periodic = periodicsync.NewPeriodicSync(refreshIntervalSecs, refreshTimeout, s.refresh, log)
	s.periodic.Run()
	return
}

func (s *service) Close(ctx context.Context) (err error) {
	if s.periodic != nil {
		s.periodic.Close()
	}
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()
	for _, w := range watchers {
		_ = w.Close()
	}
	return
}

func (s *service) Status() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *service) Watch() *mb.MB[StatusEvent] {
	w := mb.New[StatusEvent](100)
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	current := s.snapshot()
	s.mu.Unlock()
	_ = w.TryAdd(current)
	return w
}

// snapshot must be called under mu. A resting scheduler with queued
// mutations is shown as PENDING, not IDLE or SYNCED.
func (s *service) snapshot() StatusEvent {
	status := s.status
	if (status == StatusIdle || status == StatusSynced) && s.pendingCount > 0 {
		status = StatusPending
	}
	return StatusEvent{
		Status:       status,
		PendingCount: s.pendingCount,
		LastError:    s.lastError,
		LastSyncUnix: s.lastSync,
	}
}

// OnQueueChange implements queuestorage.Observer.
func (s *service) OnQueueChange(count int) {
	s.mu.Lock()
	changed := s.pendingCount != count
	s.pendingCount = count
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.QueueDepth(count)
	}
	if changed {
		s.publish()
	}
}

// OnSyncState implements syncservice.StateReceiver.
func (s *service) OnSyncState(state syncservice.State, lastErr error) {
	s.mu.Lock()
	switch state {
	case syncservice.StateIdle:
		s.status = StatusIdle
	case syncservice.StatePending:
		s.status = StatusPending
	case syncservice.StateRunning:
		s.status = StatusSyncing
	case syncservice.StateSynced:
		s.status = StatusSynced
		s.lastSync = time.Now().UnixMilli()
	case syncservice.StateFailed:
		s.status = StatusFailed
	}
	if lastErr != nil {
		s.lastError = lastErr.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()
	s.publish()
}

func (s *service) refresh(ctx context.Context) (err error) {
	count, err := s.queue.Count(ctx)
	if err != nil {
		return
	}
	s.OnQueueChange(count)
	return
}

func (s *service) publish() {
	s.mu.Lock()
	event := s.snapshot()
	watchers := s.watchers
	s.mu.Unlock()
	for _, w := range watchers {
		if err := w.TryAdd(event); err != nil {
			log.Debug("drop status event", zap.Error(err))
		}
	}
}
