package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rahul/vibe/internal/store"
)

// Messenger delivers text to whoever owns a session.
type Messenger interface {
	Send(sessionID string, text string) error
}

// Runner is the part of the Supervisor the scheduler needs.
type Runner interface {
	Run(ctx context.Context, sessionID, message string) (Result, error)
}

// TaskStore is the scheduled-task surface of the session store.
type TaskStore interface {
	GetPendingTasks(ctx context.Context) ([]store.Task, error)
	UpdateTaskLastRun(ctx context.Context, id int) error
	DeleteTask(ctx context.Context, sessionID string, id int) error
}

const DefaultPollInterval = 30 * time.Second

// Scheduler replays due scheduled requests through the supervisor and
// delivers the answers.
type Scheduler struct {
	Runner   Runner
	Store    TaskStore
	Gateway  Messenger
	Interval time.Duration
	Logger   *slog.Logger
}

func NewScheduler(runner Runner, tasks TaskStore, gateway Messenger, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Runner:   runner,
		Store:    tasks,
		Gateway:  gateway,
		Interval: DefaultPollInterval,
		Logger:   logger.With("component", "scheduler"),
	}
}

// Start polls for due tasks every Interval until ctx is done. A poll that is
// still running when the next one is due is skipped.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.PollAndExecute(ctx)
	}))
	c.Start()
	s.Logger.Info("task scheduler started", "interval", interval)

	<-ctx.Done()
	<-c.Stop().Done()
	s.Logger.Info("task scheduler stopped")
}

// PollAndExecute runs every due task once.
func (s *Scheduler) PollAndExecute(ctx context.Context) {
	tasks, err := s.Store.GetPendingTasks(ctx)
	if err != nil {
		s.Logger.Error("error polling tasks", "error", err)
		return
	}

	for _, t := range tasks {
		s.Logger.Info("executing scheduled task", "task_id", t.ID, "session_id", t.SessionID, "description", t.Description)

		prompt := fmt.Sprintf("[SCHEDULED] This is the execution of a previously scheduled request: %q. "+
			"Carry it out and report the result. Do not schedule it again.", t.Description)
		res, err := s.Runner.Run(ctx, t.SessionID, prompt)
		if errors.Is(err, ErrSessionBusy) {
			s.Logger.Info("session busy, deferring scheduled task", "task_id", t.ID, "session_id", t.SessionID)
			continue
		}

		if err := s.Store.UpdateTaskLastRun(ctx, t.ID); err != nil {
			s.Logger.Error("error updating last run", "task_id", t.ID, "error", err)
		}
		if t.IntervalSeconds == 0 {
			if err := s.Store.DeleteTask(ctx, t.SessionID, t.ID); err != nil {
				s.Logger.Error("error deleting one-time task", "task_id", t.ID, "error", err)
			}
		}

		text := res.Answer
		if err != nil {
			s.Logger.Error("scheduled task failed", "task_id", t.ID, "error", err)
			text = fmt.Sprintf("The scheduled request failed (%s).", KindOf(err))
		}
		if s.Gateway != nil {
			if err := s.Gateway.Send(t.SessionID, "⏰ *Scheduled Task Output*\n\n"+text); err != nil {
				s.Logger.Error("failed to deliver scheduled output", "session_id", t.SessionID, "error", err)
			}
		}
	}
}
