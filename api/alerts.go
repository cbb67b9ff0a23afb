package api

import (
	"slices"
	"sync"
	"time"
)

// AlertType names an anomaly in custody traffic.
type AlertType string

const (
	// AlertPrematureReleaseSpike: many release attempts before their
	// trigger delay, which looks like someone probing the custodian.
	AlertPrematureReleaseSpike AlertType = "premature_release_spike"
	// AlertReleaseBurst: many custodial shares released in a short window.
	AlertReleaseBurst AlertType = "release_burst"
	// AlertAuthFailureSpike: a burst of rejected bearer tokens.
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
)

// AlertEvent is passed to the AlertFunc when a rule trips.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertFunc func(AlertEvent)

// rule trips when threshold events of one kind land within span. Tripping
// clears the history, so one spike raises one alert.
type rule struct {
	alert     AlertType
	message   string
	span      time.Duration
	threshold int
	seen      []time.Time
}

func (r *rule) observe(now time.Time) (AlertEvent, bool) {
	cutoff := now.Add(-r.span)
	if i := slices.IndexFunc(r.seen, func(t time.Time) bool { return !t.Before(cutoff) }); i > 0 {
		r.seen = slices.Delete(r.seen, 0, i)
	} else if i < 0 {
		r.seen = r.seen[:0]
	}
	r.seen = append(r.seen, now)
	if len(r.seen) < r.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      r.alert,
		Message:   r.message,
		Count:     len(r.seen),
		Threshold: r.threshold,
		Timestamp: now,
	}
	r.seen = r.seen[:0]
	return ev, true
}

const (
	prematureSpan      = 10 * time.Minute
	prematureThreshold = 20
	releaseSpan        = time.Hour
	releaseThreshold   = 5
	authFailureSpan    = time.Minute
	authFailureLimit   = 50
)

// alarms watches audit events and calls fn when a rule trips. A nil
// *alarms ignores everything.
type alarms struct {
	mu    sync.Mutex
	now   func() time.Time
	rules map[AuditEvent]*rule
	fn    AlertFunc
}

func newAlarms(fn AlertFunc) *alarms {
	return &alarms{
		now: time.Now,
		fn:  fn,
		rules: map[AuditEvent]*rule{
			AuditReleasePremature: {
				alert:     AlertPrematureReleaseSpike,
				message:   "premature release attempts exceed threshold",
				span:      prematureSpan,
				threshold: prematureThreshold,
			},
			AuditReleaseGranted: {
				alert:     AlertReleaseBurst,
				message:   "custodial share releases exceed threshold",
				span:      releaseSpan,
				threshold: releaseThreshold,
			},
			AuditAuthFailure: {
				alert:     AlertAuthFailureSpike,
				message:   "authentication failure rate exceeds threshold",
				span:      authFailureSpan,
				threshold: authFailureLimit,
			},
		},
	}
}

func (a *alarms) observe(event AuditEvent) {
	if a == nil || a.fn == nil {
		return
	}
	a.mu.Lock()
	r, ok := a.rules[event]
	var (
		ev      AlertEvent
		tripped bool
	)
	if ok {
		ev, tripped = r.observe(a.now())
	}
	a.mu.Unlock()
	if tripped {
		a.fn(ev)
	}
}
