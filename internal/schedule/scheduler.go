// Package schedule runs periodic maintenance. Jobs only enqueue work on the
// dispatcher queue; they never touch conversation state directly.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/tgflow/internal/config"
)

// Target is the dispatcher surface the jobs drive.
type Target interface {
	ExpireConversations(ctx context.Context, now time.Time)
	PromoteAll() int
	Flush(ctx context.Context)
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron   *cron.Cron
	target Target
	now    func() time.Time
	logger *slog.Logger
	jobs   []string
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New registers the jobs enabled in cfg. The expiry sweep is skipped when no
// conversation timeout is configured.
func New(cfg config.DispatchConfig, target Target, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "schedule"))
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger{log: log}),
			cron.WithChain(cron.Recover(cronLogger{log: log})),
		),
		target: target,
		now:    time.Now,
		logger: log,
	}

	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	if spec := strings.TrimSpace(cfg.ExpirySchedule); spec != "" && timeout > 0 {
		if err := s.add("conversation_expiry", spec, s.expire); err != nil {
			return nil, err
		}
	}
	if spec := strings.TrimSpace(cfg.StandbyPromoteSchedule); spec != "" {
		if err := s.add("standby_promote", spec, s.promote); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, job func()) error {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.jobs = append(s.jobs, name)
	s.logger.Info("job scheduled", slog.String("job", name), slog.String("spec", spec))
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.jobs...)
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the loop and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) expire() {
	s.target.ExpireConversations(context.Background(), s.now())
}

func (s *Scheduler) promote() {
	if n := s.target.PromoteAll(); n > 0 {
		s.logger.Info("standby tasks promoted", slog.Int("count", n))
		s.target.Flush(context.Background())
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
