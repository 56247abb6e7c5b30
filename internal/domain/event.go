package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ошибки разбора событий потока.
var (
	// ErrMalformedEvent: событие не является корректным JSON-объектом.
	ErrMalformedEvent = errors.New("malformed stream event")

	// ErrUnknownEventType: поле type отсутствует или неизвестно.
	ErrUnknownEventType = errors.New("unknown stream event type")
)

// EventType: тип события в потоке task.
type EventType string

const (
	// EventTypeStatus: периодический статус, может нести live_url.
	EventTypeStatus EventType = "status"

	// EventTypeStep: агент выполнил очередной шаг.
	EventTypeStep EventType = "step"

	// EventTypeCompletion: task завершён. Последнее событие потока.
	EventTypeCompletion EventType = "completion"

	// EventTypeError: task или поток завершились ошибкой. Последнее событие потока.
	EventTypeError EventType = "error"
)

// IsValid проверяет, что тип события известен.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeStatus, EventTypeStep, EventTypeCompletion, EventTypeError:
		return true
	default:
		return false
	}
}

// IsTerminal возвращает true для событий, после которых поток закрывается.
func (t EventType) IsTerminal() bool {
	return t == EventTypeCompletion || t == EventTypeError
}

// Статусы удалённого сервиса, которые встречаются в событиях.
const (
	RemoteStatusCreated  = "created"
	RemoteStatusRunning  = "running"
	RemoteStatusPaused   = "paused"
	RemoteStatusFinished = "finished"
	RemoteStatusFailed   = "failed"
	RemoteStatusStopped  = "stopped"
)

// IsRemoteTerminal возвращает true для финальных статусов удалённого сервиса.
func IsRemoteTerminal(status string) bool {
	switch status {
	case RemoteStatusFinished, RemoteStatusFailed, RemoteStatusStopped:
		return true
	default:
		return false
	}
}

// StepInfo: описание шага браузерного агента.
type StepInfo struct {
	// Number: порядковый номер шага (начиная с 1).
	Number int `json:"step"`

	// URL: страница, на которой находится агент.
	URL string `json:"url,omitempty"`

	// NextGoal: что агент собирается сделать дальше.
	NextGoal string `json:"next_goal,omitempty"`

	// Evaluation: оценка результата предыдущего шага.
	Evaluation string `json:"evaluation_previous_goal,omitempty"`
}

// StreamEvent: одно событие из потока task.
//
// Это tagged union: значимые поля зависят от Type.
//   - status:     RemoteStatus, LiveURL, StepsCount
//   - step:       Step (и опционально LiveURL)
//   - completion: RemoteStatus, Output
//   - error:      Error
type StreamEvent struct {
	Type         EventType       `json:"type"`
	TaskID       string          `json:"task_id,omitempty"`
	RemoteStatus string          `json:"status,omitempty"`
	LiveURL      string          `json:"live_url,omitempty"`
	StepsCount   int             `json:"steps_count,omitempty"`
	Step         *StepInfo       `json:"step,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`

	// Synthetic: событие создано локально (обрыв транспорта, отмена),
	// а не получено из потока.
	Synthetic bool `json:"-"`

	// ReceivedAt: время получения события.
	ReceivedAt time.Time `json:"-"`
}

// ParseStreamEvent разбирает JSON-событие потока.
//
// Возвращает ErrMalformedEvent, если данные не JSON-объект,
// и ErrUnknownEventType, если тип отсутствует или неизвестен.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var ev StreamEvent

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ev, ErrMalformedEvent
	}

	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if !ev.Type.IsValid() {
		return ev, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}

	ev.LiveURL = strings.TrimSpace(ev.LiveURL)
	ev.ReceivedAt = time.Now()

	return ev, nil
}

// OutputText возвращает результат completion как текст.
// JSON-строка раскавычивается, остальное возвращается как есть.
func (e *StreamEvent) OutputText() string {
	if len(e.Output) == 0 || string(e.Output) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(e.Output, &s); err == nil {
		return s
	}

	return string(e.Output)
}

// FinalStatus возвращает финальный статус TaskSession для терминального события.
//
// error → FAILED. completion → COMPLETED, кроме удалённых статусов
// failed (FAILED) и stopped (TERMINATED).
func (e *StreamEvent) FinalStatus() TaskStatus {
	if e.Type == EventTypeError {
		return TaskStatusFailed
	}

	switch e.RemoteStatus {
	case RemoteStatusFailed:
		return TaskStatusFailed
	case RemoteStatusStopped:
		return TaskStatusTerminated
	default:
		return TaskStatusCompleted
	}
}

// NewTransportFailure создаёт синтетическое error-событие для обрыва потока.
func NewTransportFailure(taskID string, cause error) StreamEvent {
	msg := "stream transport failure"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}

	return StreamEvent{
		Type:       EventTypeError,
		TaskID:     taskID,
		Error:      msg,
		Synthetic:  true,
		ReceivedAt: time.Now(),
	}
}
