package browseruse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/orchestrator"
)

// Default polling values.
const (
	DefaultPollInterval  = 2 * time.Second
	defaultMaxPollErrors = 3
)

// TaskGetter читает снимок удалённого task.
type TaskGetter interface {
	GetTask(ctx context.Context, taskID string) (*TaskDetails, error)
}

// PollingConfig: конфигурация PollingDialer.
type PollingConfig struct {
	Getter TaskGetter

	// Interval: пауза между опросами (default: 2s).
	Interval time.Duration

	// MaxErrors: сколько ошибок опроса подряд допускается (default: 3).
	MaxErrors int

	Logger *slog.Logger
}

// PollingDialer строит поток событий task из периодических снимков GetTask.
//
// Для сервиса без push-потока: новые шаги дают step, изменение
// статуса, live_url или числа шагов дают status, финальный статус даёт
// completion и конец потока.
type PollingDialer struct {
	getter    TaskGetter
	interval  time.Duration
	maxErrors int
	logger    *slog.Logger
}

// NewPollingDialer создаёт новый PollingDialer.
func NewPollingDialer(cfg PollingConfig) *PollingDialer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	maxErrors := cfg.MaxErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxPollErrors
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PollingDialer{
		getter:    cfg.Getter,
		interval:  interval,
		maxErrors: maxErrors,
		logger:    logger.With("component", "poll_dialer"),
	}
}

// Dial делает первый опрос и возвращает поток.
// Неизвестный task сразу даёт ошибку.
func (d *PollingDialer) Dial(ctx context.Context, taskID string) (orchestrator.Stream, error) {
	s := &pollStream{
		dialer: d,
		taskID: taskID,
		closed: make(chan struct{}),
	}

	details, err := d.getter.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("dial poll %s: %w", taskID, err)
	}
	if err := s.observe(details); err != nil {
		return nil, err
	}
	return s, nil
}

type pollStream struct {
	dialer *PollingDialer
	taskID string

	pending   [][]byte
	steps     int
	status    string
	liveURL   string
	finished  bool
	errStreak int

	closed chan struct{}
	once   sync.Once
}

// Next возвращает следующий кадр, при необходимости опрашивая сервис.
func (s *pollStream) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			return frame, nil
		}
		if s.finished {
			return nil, io.EOF
		}

		timer := time.NewTimer(s.dialer.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.closed:
			timer.Stop()
			return nil, errors.New("poll stream closed")
		case <-timer.C:
		}

		details, err := s.dialer.getter.GetTask(ctx, s.taskID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return nil, err
			}
			s.errStreak++
			s.dialer.logger.Warn("task poll failed", "task_id", s.taskID, "attempt", s.errStreak, "error", err)
			if s.errStreak >= s.dialer.maxErrors {
				return nil, fmt.Errorf("poll task %s: %w", s.taskID, err)
			}
			continue
		}
		s.errStreak = 0

		if err := s.observe(details); err != nil {
			return nil, err
		}
	}
}

// observe сравнивает снимок с предыдущим и откладывает новые кадры.
func (s *pollStream) observe(d *TaskDetails) error {
	for i := s.steps; i < len(d.Steps); i++ {
		step := d.Steps[i]
		if step.Number == 0 {
			step.Number = i + 1
		}
		if err := s.emit(domain.StreamEvent{
			Type:    domain.EventTypeStep,
			TaskID:  s.taskID,
			Step:    &step,
			LiveURL: d.LiveURL,
		}); err != nil {
			return err
		}
	}

	changed := d.Status != s.status || d.LiveURL != s.liveURL || len(d.Steps) != s.steps
	s.steps = max(s.steps, len(d.Steps))
	s.status = d.Status
	s.liveURL = d.LiveURL

	if changed {
		if err := s.emit(domain.StreamEvent{
			Type:         domain.EventTypeStatus,
			TaskID:       s.taskID,
			RemoteStatus: d.Status,
			LiveURL:      d.LiveURL,
			StepsCount:   len(d.Steps),
		}); err != nil {
			return err
		}
	}

	if domain.IsRemoteTerminal(d.Status) {
		s.finished = true
		return s.emit(domain.StreamEvent{
			Type:         domain.EventTypeCompletion,
			TaskID:       s.taskID,
			RemoteStatus: d.Status,
			Output:       d.Output,
		})
	}
	return nil
}

func (s *pollStream) emit(ev domain.StreamEvent) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	s.pending = append(s.pending, frame)
	return nil
}

// Close останавливает опрос. Повторный вызов безопасен.
func (s *pollStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
