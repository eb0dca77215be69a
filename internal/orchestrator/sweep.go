package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// DefaultSweepInterval is how often the heartbeat-timeout sweep runs. It
// must be well under HeartbeatDeadline so a stale agent is caught close to
// the deadline rather than a whole interval late.
const DefaultSweepInterval = 10 * time.Second

// HeartbeatDeadline is spec §4.3's missed-heartbeat cutoff — 3x the 30s
// heartbeat interval.
const HeartbeatDeadline = 90 * time.Second

// Sweeper periodically scans the registry for agents that have missed their
// heartbeat deadline, forcing them OFFLINE and failing any in-flight task —
// spec §4.3. It reuses the teacher's gocron dependency (server/internal/
// scheduler wraps the same library for cron-scheduled backup policies) for
// a plain fixed-interval job instead of a cron expression.
type Sweeper struct {
	cron       gocron.Scheduler
	dispatcher *Dispatcher
	interval   time.Duration
	deadline   time.Duration
	logger     *zap.Logger
}

// NewSweeper creates a Sweeper. Call Start to begin running.
func NewSweeper(dispatcher *Dispatcher, interval, deadline time.Duration, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create gocron scheduler: %w", err)
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if deadline <= 0 {
		deadline = HeartbeatDeadline
	}
	return &Sweeper{cron: s, dispatcher: dispatcher, interval: interval, deadline: deadline, logger: logger}, nil
}

// Start registers the sweep job and starts the underlying gocron scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.sweepOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: schedule sweep job: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the sweep job, waiting for any in-flight run to
// finish.
func (s *Sweeper) Stop() error {
	return s.cron.Shutdown()
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	stale := s.dispatcher.registry.StaleSince(time.Now(), s.deadline)
	if len(stale) == 0 {
		return
	}

	for _, agentID := range stale {
		agent, ok := s.dispatcher.registry.Get(agentID)
		if !ok {
			continue
		}

		// spec §4.3: "marks an agent ERROR then OFFLINE" — ERROR is the
		// transitional state broadcast to observers before the agent (and
		// any task bound to it) is actually torn down.
		if err := s.dispatcher.registry.MarkError(agentID); err != nil {
			s.logger.Error("sweeper: mark error", zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		s.dispatcher.broadcastAgents()

		if err := s.dispatcher.registry.MarkOffline(agentID); err != nil {
			s.logger.Error("sweeper: mark offline", zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		s.logger.Warn("sweeper: agent missed heartbeat deadline, marking offline",
			zap.String("agent_id", agentID), zap.Duration("deadline", s.deadline))

		if agent.CurrentTaskID != "" {
			id, err := task.ParseTaskID(agent.CurrentTaskID)
			if err != nil {
				s.logger.Error("sweeper: parse bound task id", zap.Error(err))
				continue
			}
			if err := s.dispatcher.store.Fail(ctx, id, "agent lost"); err != nil {
				s.logger.Error("sweeper: fail orphaned task", zap.String("task_id", agent.CurrentTaskID), zap.Error(err))
			}
			s.dispatcher.broadcastTask(ctx, id)
		}
	}

	s.dispatcher.broadcastAgents()
	s.dispatcher.sched.Trigger()
}
