// Package scheduler polls agent schedules and fires due ones through the fleet
// trigger. Due-ness is persisted per schedule so restarts never double-fire.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/fleetd/internal/bus"
	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/worksource"
)

// maxConsecutiveErrors disables a schedule until the operator re-enables it.
const maxConsecutiveErrors = 3

// errorBackoff is the delay ladder applied per consecutive trigger error.
var errorBackoff = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// TriggerRequest carries one due schedule into the fleet.
type TriggerRequest struct {
	AgentName    string
	ScheduleName string
	Schedule     config.Schedule
	// WorkItems holds the peek result when the schedule names a work source.
	// Empty for plain prompt schedules.
	WorkItems []worksource.WorkItem
}

// TriggerFunc executes a due schedule. A returned error counts toward the
// schedule's consecutive-error ladder.
type TriggerFunc func(ctx context.Context, req TriggerRequest) error

// SourceResolver finds a configured work source by name.
type SourceResolver func(name string) (worksource.Source, bool)

// Scheduler is the polling loop over all agents' interval and cron schedules.
type Scheduler struct {
	tick    time.Duration
	trigger TriggerFunc
	sources SourceResolver
	events  bus.Publisher
	log     *slog.Logger

	mu       sync.Mutex
	agents   map[string]config.AgentConfig
	store    *stateStore
	inflight map[string]bool

	now func() time.Time
	wg  sync.WaitGroup

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler over the given agents. stateRoot is the fleet state
// directory; schedule state lands under stateRoot/schedules.
func New(stateRoot string, settings config.FleetSettings, agents map[string]config.AgentConfig, trigger TriggerFunc, sources SourceResolver, events bus.Publisher, log *slog.Logger) *Scheduler {
	return &Scheduler{
		tick:     settings.SchedulerTickDuration(),
		trigger:  trigger,
		sources:  sources,
		events:   events,
		log:      log,
		agents:   agents,
		store:    newStateStore(stateRoot),
		inflight: make(map[string]bool),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// UpdateAgents swaps the schedule set, used by config hot reload. Persisted
// schedule state is kept so surviving schedules keep their next-run times.
func (s *Scheduler) UpdateAgents(agents map[string]config.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = agents
	s.log.Info("scheduler.schedules_reloaded", "agents", len(agents))
}

// Start runs the polling loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tickOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight triggers to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.wg.Wait()
}

// tickOnce evaluates every schedule against the current time and fires the due
// ones. Each fire runs on its own goroutine; a schedule with a live fire is
// skipped until it returns.
func (s *Scheduler) tickOnce(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	type due struct {
		agent    string
		schedule string
		sched    config.Schedule
	}
	var fires []due

	for _, agentName := range sortedKeys(s.agents) {
		agent := s.agents[agentName]
		for _, schedName := range sortedKeys(agent.Schedules) {
			sched := agent.Schedules[schedName]
			if sched.Type != config.ScheduleInterval && sched.Type != config.ScheduleCron {
				continue
			}
			if !sched.IsEnabled() {
				continue
			}
			st := s.store.get(agentName, schedName)
			if st.Disabled {
				continue
			}
			if st.NextRunAt.IsZero() {
				next, err := s.computeNext(sched, now)
				if err != nil {
					s.log.Error("scheduler.schedule_invalid", "agent", agentName, "schedule", schedName, "error", err)
					continue
				}
				st.NextRunAt = next
				s.persist(agentName, schedName, st)
				continue
			}
			if st.NextRunAt.After(now) {
				continue
			}
			key := agentName + "/" + schedName
			if s.inflight[key] {
				continue
			}
			s.inflight[key] = true
			fires = append(fires, due{agent: agentName, schedule: schedName, sched: sched})
		}
	}
	s.mu.Unlock()

	for _, f := range fires {
		s.wg.Add(1)
		go func(f due) {
			defer s.wg.Done()
			s.runSchedule(ctx, f.agent, f.schedule, f.sched)
		}(f)
	}
}

// runSchedule peeks the work source when one is named, triggers, and records
// the outcome. A work source with nothing available advances the schedule
// without triggering and without counting an error.
func (s *Scheduler) runSchedule(ctx context.Context, agentName, schedName string, sched config.Schedule) {
	var items []worksource.WorkItem
	if sched.WorkSource != "" {
		src, ok := s.sources(sched.WorkSource)
		if !ok {
			s.recordError(agentName, schedName, sched, fmt.Errorf("work source %q is not configured", sched.WorkSource))
			return
		}
		result, err := src.FetchAvailable(ctx, worksource.FetchOptions{Limit: 1})
		if err != nil {
			s.recordError(agentName, schedName, sched, fmt.Errorf("peek work source %s: %w", sched.WorkSource, err))
			return
		}
		if len(result.Items) == 0 {
			s.log.Debug("scheduler.no_work", "agent", agentName, "schedule", schedName, "source", sched.WorkSource)
			s.recordSuccess(agentName, schedName, sched)
			return
		}
		items = result.Items
	}

	s.log.Info("scheduler.firing", "agent", agentName, "schedule", schedName, "type", string(sched.Type))
	err := s.trigger(ctx, TriggerRequest{
		AgentName:    agentName,
		ScheduleName: schedName,
		Schedule:     sched,
		WorkItems:    items,
	})
	if err != nil {
		s.recordError(agentName, schedName, sched, err)
		return
	}
	s.recordSuccess(agentName, schedName, sched)
}

func (s *Scheduler) recordSuccess(agentName, schedName string, sched config.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, agentName+"/"+schedName)

	now := s.now()
	st := s.store.get(agentName, schedName)
	st.LastRunAt = now
	st.ConsecutiveErrors = 0
	next, err := s.computeNext(sched, now)
	if err != nil {
		s.log.Error("scheduler.schedule_invalid", "agent", agentName, "schedule", schedName, "error", err)
		return
	}
	st.NextRunAt = next
	s.persist(agentName, schedName, st)
}

func (s *Scheduler) recordError(agentName, schedName string, sched config.Schedule, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, agentName+"/"+schedName)

	now := s.now()
	st := s.store.get(agentName, schedName)
	st.ConsecutiveErrors++

	if st.ConsecutiveErrors >= maxConsecutiveErrors {
		st.Disabled = true
		st.DisabledReason = fmt.Sprintf("disabled after %d consecutive errors, last: %v", st.ConsecutiveErrors, cause)
		s.persist(agentName, schedName, st)
		s.log.Warn("scheduler.schedule_disabled",
			"agent", agentName,
			"schedule", schedName,
			"consecutive_errors", st.ConsecutiveErrors,
			"error", cause)
		if s.events != nil {
			s.events.Publish(bus.Event{
				Name:      bus.EventScheduleDisabled,
				AgentName: agentName,
				Payload: map[string]any{
					"schedule": schedName,
					"errors":   st.ConsecutiveErrors,
					"reason":   cause.Error(),
				},
			})
		}
		return
	}

	delay := errorBackoff[min(st.ConsecutiveErrors-1, len(errorBackoff)-1)]
	st.NextRunAt = now.Add(delay)
	s.persist(agentName, schedName, st)
	s.log.Warn("scheduler.trigger_failed",
		"agent", agentName,
		"schedule", schedName,
		"consecutive_errors", st.ConsecutiveErrors,
		"retry_in", delay.String(),
		"error", cause)
}

// computeNext returns the next run time after now for interval and cron
// schedules.
func (s *Scheduler) computeNext(sched config.Schedule, now time.Time) (time.Time, error) {
	switch sched.Type {
	case config.ScheduleInterval:
		d := sched.IntervalDuration()
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule has no valid interval")
		}
		return now.Add(d), nil
	case config.ScheduleCron:
		next, err := gronx.NextTickAfter(sched.Expression, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron expression %q: %w", sched.Expression, err)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("schedule type %q is not time driven", sched.Type)
	}
}

func (s *Scheduler) persist(agentName, schedName string, st *scheduleState) {
	if err := s.store.put(agentName, schedName, st); err != nil {
		s.log.Error("scheduler.state_persist_failed", "agent", agentName, "schedule", schedName, "error", err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
