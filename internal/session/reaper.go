package session

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// killDecision is collected during a reaper sweep and applied after the
// scan completes, per spec.md §4.7 ("collected first, then applied
// outside the iteration to avoid mutating the registry while scanning").
type killDecision struct {
	sessionID string
	reason    string
}

// Reaper wakes every interval and kills sessions that have exceeded their
// idle or max-lifetime timeout (spec.md §4.7).
type Reaper struct {
	registry  *Registry
	scheduler gocron.Scheduler
	log       *logrus.Entry
}

// NewReaper builds a Reaper that sweeps registry every interval once
// Start is called.
func NewReaper(registry *Registry, interval time.Duration, log *logrus.Entry) (*Reaper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	r := &Reaper{registry: registry, scheduler: scheduler, log: log}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.sweep),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the periodic sweep. Non-blocking.
func (r *Reaper) Start() {
	r.scheduler.Start()
}

// Shutdown stops the scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Shutdown() error {
	return r.scheduler.Shutdown()
}

// sweep implements the two-phase scan-then-apply described in spec.md
// §4.7.
func (r *Reaper) sweep() {
	now := time.Now()
	var decisions []killDecision

	for _, s := range r.registry.List() {
		age := now.Sub(s.CreatedAt)
		if s.MaxLifetime > 0 && age > s.MaxLifetime {
			decisions = append(decisions, killDecision{sessionID: s.ID, reason: "max_lifetime"})
			continue
		}
		if s.State() == StateWaiting && s.IdleTimeout > 0 && now.Sub(s.LastActivity()) > s.IdleTimeout {
			decisions = append(decisions, killDecision{sessionID: s.ID, reason: "idle_timeout"})
		}
	}

	for _, d := range decisions {
		if err := r.registry.Kill(context.Background(), d.sessionID, d.reason); err != nil {
			r.log.WithError(err).WithField("session_id", d.sessionID).Warn("reaper: kill failed")
		}
	}
}
