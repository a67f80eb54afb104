package network

import (
	"time"

	"chainsync-core/wire"
)

// TimerSchedule decides when a request of one kind should be (re)sent to a
// peer.  Intervals are fixed: no backoff, no jitter.
type TimerSchedule struct {
	SendInterval  time.Duration
	ResendTimeout time.Duration
	// Expect is the command that answers the request.
	Expect string

	LastSentAt time.Time
	// Awaiting is set while a request is outstanding.
	Awaiting bool
}

// TimerConfig is the static part of a TimerSchedule.
type TimerConfig struct {
	SendInterval  time.Duration
	ResendTimeout time.Duration
	Expect        string
}

// DefaultTimers are the request schedules installed on every session, keyed
// by request command.
var DefaultTimers = map[string]TimerConfig{
	wire.CmdGetAddr:    {SendInterval: 60 * time.Second, ResendTimeout: 60 * time.Second, Expect: wire.CmdAddr},
	wire.CmdGetHeaders: {SendInterval: 5 * time.Second, ResendTimeout: 30 * time.Second, Expect: wire.CmdHeaders},
	wire.CmdGetData:    {SendInterval: time.Second, ResendTimeout: 30 * time.Second, Expect: wire.CmdBlock},
}

// NewTimerSchedule returns a schedule that is ready on first check.
func NewTimerSchedule(cfg TimerConfig) *TimerSchedule {
	return &TimerSchedule{
		SendInterval:  cfg.SendInterval,
		ResendTimeout: cfg.ResendTimeout,
		Expect:        cfg.Expect,
	}
}

// ReadyToSend reports whether the request is due at now.
func (t *TimerSchedule) ReadyToSend(now time.Time) bool {
	if t.Awaiting {
		return now.After(t.LastSentAt.Add(t.ResendTimeout))
	}
	return now.After(t.LastSentAt.Add(t.SendInterval))
}

// OnRequestSent records a request sent at now.
func (t *TimerSchedule) OnRequestSent(now time.Time) {
	t.LastSentAt = now
	t.Awaiting = true
}

// OnResponseObserved clears the outstanding request.
func (t *TimerSchedule) OnResponseObserved() {
	t.Awaiting = false
}
