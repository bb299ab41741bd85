// Package syncservice schedules reconciliation sessions: a periodic
// cadence with flex jitter, immediate requests on user action, at most
// one session in flight, exponential backoff after failures and a
// cancel-all that is only honored at session boundaries.
package syncservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cheggaaa/mb/v3"
	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/authorityclient"
	"github.com/flatmates/flat-sync/config"
	"github.com/flatmates/flat-sync/metric"
	"github.com/flatmates/flat-sync/storage/entitystorage"
	"github.com/flatmates/flat-sync/storage/queuestorage"
	"github.com/flatmates/flat-sync/syncsession"
	"github.com/flatmates/flat-sync/util/periodicsync"
)

const CName = "flatsync.syncservice"

var log = logger.NewNamed(CName)

// recheck cadence while a request waits for preconditions
const preconditionRecheck = 30 * time.Second

const sessionScope = "session"

// State is the scheduler's externally visible state.
type State int

const (
	StateIdle State = iota
	StatePending
	StateRunning
	StateSynced
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateSynced:
		return "SYNCED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Conditions reports device preconditions for automatic sessions.
// Immediate requests only require connectivity.
type Conditions interface {
	Online() bool
	BatteryLow() bool
}

type alwaysReady struct{}

func (alwaysReady) Online() bool     { return true }
func (alwaysReady) BatteryLow() bool { return false }

// StateReceiver observes scheduler transitions; the status publisher
// subscribes here.
type StateReceiver interface {
	OnSyncState(state State, lastErr error)
}

type SyncService interface {
	app.ComponentRunnable
	// RequestPeriodic asks for a session under the automatic rules:
	// connectivity + battery preconditions and failure backoff
	RequestPeriodic()
	// RequestImmediate asks for a session now; only connectivity is
	// required and backoff is bypassed
	RequestImmediate()
	// CancelAll stops scheduled and in-flight work; an in-flight
	// session finishes its apply phase first
	CancelAll()
	State() State
	AddStateReceiver(r StateReceiver)
	SetConditions(c Conditions)
	SetResolver(r syncsession.Resolver)
}

type configGetter interface {
	GetSync() config.Sync
}

func New() SyncService {
	return &syncService{
		conditions: alwaysReady{},
	}
}

type syncService struct {
	cfg        config.Sync
	session    *syncsession.Session
	conditions Conditions
	resolver   syncsession.Resolver
	receivers  []StateReceiver
	scopes     *guard
	metrics    metric.Metric

	calls    *mb.MB[struct{}]
	periodic periodicsync.PeriodicSync

	mu              sync.Mutex
	state           State
	lastErr         error
	backoff         time.Duration
	nextAllowed     time.Time
	queuedImmediate bool
	queuedPeriodic  bool
	tokenInFlight   bool
	deferTimer      *time.Timer
	deferImmediate  bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func (s *syncService) Init(a *app.App) (err error) {
	s.cfg = a.MustComponent(config.CName).(configGetter).GetSync()
	entities := a.MustComponent(entitystorage.CName).(entitystorage.EntityStorage)
	queue := a.MustComponent(queuestorage.CName).(queuestorage.QueueStorage)
	authority := a.MustComponent(authorityclient.CName).(authorityclient.Client)
	if c := a.Component(metric.CName); c != nil {
		s.metrics = c.(metric.Metric)
	}
	if s.resolver == nil {
		s.resolver = syncsession.ServerWins()
	}
	s.session = syncsession.New(syncsession.Deps{
		Entities:   entities,
		Queue:      queue,
		Authority:  authority,
		Resolver:   s.resolver,
		BatchLimit: s.cfg.BatchLimit,
		MaxRetries: s.cfg.MaxRetries,
	})
	s.scopes = newGuard()
	s.calls = mb.New[struct{}](10)
	s.state = StateIdle
	return
}

func (s *syncService) Name() (name string) {
	return CName
}

func (s *syncService) Run(ctx context.Context) (err error) {
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})
	go s.loop()
	// the flex window keeps many devices from syncing in lockstep
	s.periodic = periodicsync.NewPeriodicSyncFlex(s.cfg.PeriodicInterval(), s.cfg.Flex(), 0, func(ctx context.Context) error {
		s.RequestPeriodic()
		return nil
	}, log)
	s.periodic.Run()
	return
}

func (s *syncService) Close(ctx context.Context) (err error) {
	s.CancelAll()
	return
}

func (s *syncService) AddStateReceiver(r StateReceiver) {
	// subscription happens on startup, no lock needed
	s.receivers = append(s.receivers, r)
}

func (s *syncService) SetConditions(c Conditions) {
	s.conditions = c
}

func (s *syncService) SetResolver(r syncsession.Resolver) {
	s.resolver = r
}

func (s *syncService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *syncService) RequestPeriodic() {
	s.request(false)
}

func (s *syncService) RequestImmediate() {
	s.request(true)
}

// request coalesces: any number of requests while one is queued or
// running collapse into a single follow-up run.
func (s *syncService) request(immediate bool) {
	s.mu.Lock()
	if immediate {
		s.queuedImmediate = true
	} else {
		s.queuedPeriodic = true
	}
	already := s.tokenInFlight
	s.tokenInFlight = true
	s.mu.Unlock()
	if already {
		return
	}
	if err := s.calls.TryAdd(struct{}{}); err != nil {
		log.Warn("can't queue sync request", zap.Error(err))
	}
}

func (s *syncService) CancelAll() {
	if s.periodic != nil {
		s.periodic.Close()
		s.periodic = nil
	}
	if s.loopCancel != nil {
		s.loopCancel()
		_ = s.calls.Close()
		<-s.loopDone
		s.loopCancel = nil
	}
	s.mu.Lock()
	s.queuedImmediate = false
	s.queuedPeriodic = false
	s.tokenInFlight = false
	s.deferImmediate = false
	if s.deferTimer != nil {
		s.deferTimer.Stop()
	}
	s.mu.Unlock()
	s.setState(StateIdle, nil)
}

func (s *syncService) loop() {
	defer close(s.loopDone)
	for {
		_, err := s.calls.WaitOne(s.loopCtx)
		if err != nil {
			return
		}
		s.mu.Lock()
		immediate := s.queuedImmediate
		s.queuedImmediate = false
		s.queuedPeriodic = false
		s.tokenInFlight = false
		s.mu.Unlock()
		s.handle(immediate)
	}
}

func (s *syncService) handle(immediate bool) {
	if !s.conditions.Online() {
		s.deferRequest(immediate, "offline")
		return
	}
	if !immediate {
		if s.conditions.BatteryLow() {
			s.deferRequest(immediate, "battery low")
			return
		}
		s.mu.Lock()
		wait := time.Until(s.nextAllowed)
		s.mu.Unlock()
		if wait > 0 {
			s.deferFor(immediate, wait, "backoff")
			return
		}
	}
	s.runSession()
}

// deferRequest keeps the request pending until preconditions clear.
func (s *syncService) deferRequest(immediate bool, reason string) {
	s.deferFor(immediate, preconditionRecheck, reason)
}

func (s *syncService) deferFor(immediate bool, wait time.Duration, reason string) {
	s.setState(StatePending, nil)
	log.Debug("session deferred", zap.String("reason", reason), zap.Duration("wait", wait))
	// one timer serves consecutive deferrals, re-armed in place
	s.mu.Lock()
	s.deferImmediate = s.deferImmediate || immediate
	if s.deferTimer == nil {
		s.deferTimer = time.AfterFunc(wait, s.fireDeferred)
	} else {
		s.deferTimer.Reset(wait)
	}
	s.mu.Unlock()
}

func (s *syncService) fireDeferred() {
	s.mu.Lock()
	immediate := s.deferImmediate
	s.deferImmediate = false
	s.mu.Unlock()
	if s.loopCtx == nil || s.loopCtx.Err() != nil {
		return
	}
	s.request(immediate)
}

func (s *syncService) runSession() {
	if !s.scopes.TryTake(sessionScope) {
		// a session is already in flight, the request was coalesced
		return
	}
	defer s.scopes.Release(sessionScope)
	s.setState(StateRunning, nil)

	ctx := s.loopCtx
	if s.cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout())
		defer cancel()
	}
	started := time.Now()
	res, err := s.session.Run(ctx)
	if err != nil {
		if errors.Is(err, syncsession.ErrCancelled) {
			s.recordSession("cancelled", started, res)
			s.setState(StateIdle, nil)
			return
		}
		s.recordSession("failure", started, res)
		s.mu.Lock()
		if s.backoff == 0 {
			s.backoff = s.cfg.BackoffMin()
		} else {
			s.backoff *= 2
			if s.backoff > s.cfg.BackoffMax() {
				s.backoff = s.cfg.BackoffMax()
			}
		}
		s.nextAllowed = time.Now().Add(s.backoff)
		backoff := s.backoff
		s.mu.Unlock()
		log.Warn("session failed", zap.Error(err), zap.Duration("backoff", backoff))
		s.settle(StateFailed, err)
		return
	}
	if res.NoHousehold {
		log.Debug("no active household, nothing to sync")
	}
	s.recordSession("success", started, res)
	s.mu.Lock()
	s.backoff = 0
	s.nextAllowed = time.Time{}
	s.mu.Unlock()
	s.settle(StateSynced, nil)
}

// settle publishes the terminal state of a run, then returns the
// machine to IDLE unless a follow-up request is already queued.
func (s *syncService) settle(terminal State, err error) {
	s.setState(terminal, err)
	s.mu.Lock()
	busy := s.tokenInFlight
	s.mu.Unlock()
	if !busy {
		s.setState(StateIdle, nil)
	}
}

func (s *syncService) recordSession(result string, started time.Time, res syncsession.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionFinished(result, time.Since(started))
	for i := 0; i < res.KeptLocal; i++ {
		s.metrics.ConflictResolved("local")
	}
	for i := 0; i < res.Conflicts-res.KeptLocal; i++ {
		s.metrics.ConflictResolved("server")
	}
}

func (s *syncService) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	receivers := s.receivers
	s.mu.Unlock()
	for _, r := range receivers {
		r.OnSyncState(state, err)
	}
}
