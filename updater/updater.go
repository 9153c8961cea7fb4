// Package updater schedules the periodic external update checks that keep a
// host's extensions aligned with what its providers currently publish.
package updater

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// throttleKey is the shared bucket all scheduled and manual checks draw from.
const throttleKey = "update-check"

// CheckFunc runs one external update pass. The context carries the check
// timeout.
type CheckFunc func(ctx context.Context)

// Updater fires periodic update checks against a CheckFunc.
type Updater struct {
	check CheckFunc
	opts  *Options

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates an update scheduler around the given check function.
func New(check CheckFunc, opts ...Option) *Updater {
	if check == nil {
		panic("updater: check function cannot be nil")
	}
	return &Updater{
		check:    check,
		opts:     newOptions(opts...),
		stopChan: make(chan struct{}),
	}
}

// Start launches the scheduling loop. Calling Start more than once has no
// effect.
func (u *Updater) Start() {
	u.startOnce.Do(func() {
		u.wg.Add(1)
		go u.run()
		log.Info().Dur("frequency", u.opts.Frequency).Dur("initial_delay", u.opts.InitialDelay).Msg("update scheduler started")
	})
}

// Stop halts the scheduling loop and waits for any in-flight check to
// return. Safe to call multiple times.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopChan)
	})
	u.wg.Wait()
	log.Info().Msg("update scheduler stopped")
}

func (u *Updater) run() {
	defer u.wg.Done()

	timer := time.NewTimer(u.opts.InitialDelay)
	defer timer.Stop()
	select {
	case <-u.stopChan:
		return
	case <-timer.C:
	}
	u.runCheck()

	ticker := time.NewTicker(u.opts.Frequency)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopChan:
			return
		case <-ticker.C:
			u.runCheck()
		}
	}
}

// TriggerNow requests an immediate check, subject to the same throttle as
// scheduled checks. Reports whether the check actually fired.
func (u *Updater) TriggerNow(ctx context.Context) bool {
	if !u.allow(ctx) {
		log.Debug().Msg("manual update check suppressed by throttle")
		return false
	}
	u.fire(ctx)
	return true
}

func (u *Updater) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), u.opts.CheckTimeout)
	defer cancel()
	if !u.allow(ctx) {
		log.Debug().Msg("scheduled update check suppressed by throttle")
		return
	}
	u.fire(ctx)
}

// allow consults the throttle. A throttle backend failure does not block the
// check; a missed throttle beats missed updates.
func (u *Updater) allow(ctx context.Context) bool {
	allowed, err := u.opts.Throttle.Allow(ctx, throttleKey, 1, u.opts.MinInterval.Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("throttle check failed, proceeding with update check")
		return true
	}
	return allowed
}

func (u *Updater) fire(ctx context.Context) {
	u.recordPing(ctx)
	start := time.Now()
	u.check(ctx)
	log.Debug().Dur("took", time.Since(start)).Msg("update check completed")
}

// recordPing notes the day this check ran and logs how long the host had
// gone without one.
func (u *Updater) recordPing(ctx context.Context) {
	if u.opts.PingStore == nil {
		return
	}
	now := time.Now()
	last, err := u.opts.PingStore.LastPingDay(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read last update check day")
	} else if !last.IsZero() {
		days := int(now.Sub(last).Hours() / 24)
		log.Info().Int("days_since_last_check", days).Msg("running update check")
	}
	if err := u.opts.PingStore.SetLastPingDay(ctx, now); err != nil {
		log.Warn().Err(err).Msg("failed to record update check day")
	}
}
