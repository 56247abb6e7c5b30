package browseruse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotConfigured: не задан API-ключ.
	ErrNotConfigured = errors.New("browser use api key not configured")

	// ErrTaskNotFound: удалённый сервис не знает task.
	ErrTaskNotFound = errors.New("remote task not found")

	// ErrUnexpectedResponse: ответ не удалось разобрать.
	ErrUnexpectedResponse = errors.New("unexpected response from remote service")
)

// APIError: ответ удалённого сервиса с HTTP-статусом >= 400.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("browser use api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("browser use api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable возвращает true для ошибок, которые имеет смысл повторить.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// checkResponse превращает ответ с ошибкой в error.
// 404 отображается в ErrTaskNotFound.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, strings.TrimSpace(string(body)))
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
}

// errorMessage достаёт detail/message из JSON-тела, иначе возвращает текст.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Detail != nil:
			return fmt.Sprint(payload.Detail)
		}
	}
	return strings.TrimSpace(string(body))
}
