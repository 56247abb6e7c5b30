package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSchedule: периодичность сверки активной сессии с хранилищем.
const DefaultRefreshSchedule = "@every 10s"

// scheduleParser принимает стандартные cron-выражения и дескрипторы (@every, @hourly).
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule проверяет выражение расписания.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// newScheduler создаёт cron, пропускающий запуск, пока предыдущий не закончился.
func newScheduler(logger *slog.Logger) *cron.Cron {
	cl := cronLogger{logger: logger}
	return cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// cronLogger направляет журнал cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
