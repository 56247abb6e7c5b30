package orchestrator

import "context"

// Dialer открывает поток событий одного task.
type Dialer interface {
	Dial(ctx context.Context, taskID string) (Stream, error)
}

// Stream: односторонний поток JSON-событий одного task.
//
// Next блокируется до следующего кадра. io.EOF означает, что сервер
// закрыл поток. Close можно вызывать из другой горутины, Next после
// этого возвращает ошибку.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ConnState: состояние соединения потока.
type ConnState string

const (
	ConnIdle       ConnState = "idle"
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
	ConnFailed     ConnState = "failed"
)

// IsLive возвращает true, пока соединение не закрыто и не упало.
func (s ConnState) IsLive() bool {
	return s == ConnConnecting || s == ConnOpen
}
