package periodicsync

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app/logger"
)

type PeriodicSync interface {
	Run()
	// Kick requests an extra call outside the periodic cadence
	Kick()
	Close()
}

type SyncerFunc func(ctx context.Context) error

func NewPeriodicSync(periodSeconds int, timeout time.Duration, caller SyncerFunc, l logger.CtxLogger) PeriodicSync {
	return NewPeriodicSyncDuration(time.Duration(periodSeconds)*time.Second, timeout, caller, l)
}

func NewPeriodicSyncDuration(periodicLoopInterval, timeout time.Duration, caller SyncerFunc, l logger.CtxLogger) PeriodicSync {
	return NewPeriodicSyncFlex(periodicLoopInterval, 0, timeout, caller, l)
}

// NewPeriodicSyncFlex draws a fresh offset within ±flex for every tick,
// so periodic calls across many instances do not land in lockstep.
func NewPeriodicSyncFlex(periodicLoopInterval, flex, timeout time.Duration, caller SyncerFunc, l logger.CtxLogger) PeriodicSync {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.CtxWithFields(ctx, zap.String("rootOp", "periodicCall"))
	return &periodicCall{
		caller:     caller,
		log:        l,
		loopCtx:    ctx,
		loopCancel: cancel,
		loopDone:   make(chan struct{}),
		kick:       make(chan struct{}, 1),
		period:     periodicLoopInterval,
		flex:       flex,
		timeout:    timeout,
	}
}

type periodicCall struct {
	log        logger.CtxLogger
	caller     SyncerFunc
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	kick       chan struct{}
	period     time.Duration
	flex       time.Duration
	timeout    time.Duration
	isRunning  atomic.Bool
}

func (p *periodicCall) Run() {
	p.isRunning.Store(true)
	go p.loop(p.period)
}

func (p *periodicCall) Kick() {
	if !p.isRunning.Load() {
		return
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *periodicCall) loop(period time.Duration) {
	defer close(p.loopDone)
	doCall := func() {
		ctx := p.loopCtx
		if p.timeout != 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(p.loopCtx, p.timeout)
			defer cancel()
		}
		if err := p.caller(ctx); err != nil {
			p.log.Warn("periodic call error", zap.Error(err))
		}
	}
	doCall()
	if period > 0 {
		timer := time.NewTimer(p.nextInterval())
		defer timer.Stop()
		for {
			select {
			case <-p.loopCtx.Done():
				return
			case <-timer.C:
				doCall()
				timer.Reset(p.nextInterval())
			case <-p.kick:
				doCall()
			}
		}
	} else {
		for {
			select {
			case <-p.loopCtx.Done():
				return
			case <-p.kick:
				doCall()
			}
		}
	}
}

func (p *periodicCall) nextInterval() time.Duration {
	if p.flex <= 0 {
		return p.period
	}
	d := p.period + time.Duration(rand.Int63n(int64(2*p.flex))) - p.flex
	if d <= 0 {
		d = p.period
	}
	return d
}

func (p *periodicCall) Close() {
	if !p.isRunning.Load() {
		return
	}
	p.loopCancel()
	<-p.loopDone
}
