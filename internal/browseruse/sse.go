package browseruse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/shaiso/Flowstream/internal/orchestrator"
)

const maxFrameSize = 1024 * 1024

// SSEConfig: конфигурация SSEDialer.
type SSEConfig struct {
	// BaseURL: адрес сервиса потоков. Поток task: {BaseURL}/task/{id}/stream.
	BaseURL string

	APIKey string

	// HTTPClient: клиент без общего таймаута: поток живёт долго.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// SSEDialer открывает text/event-stream поток task.
type SSEDialer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSSEDialer создаёт новый SSEDialer.
func NewSSEDialer(cfg SSEConfig) *SSEDialer {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SSEDialer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger.With("component", "sse_dialer"),
	}
}

// Dial открывает поток task. Соединение живёт, пока жив ctx или до Close.
func (d *SSEDialer) Dial(ctx context.Context, taskID string) (orchestrator.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	endpoint := d.baseURL + "/task/" + url.PathEscape(taskID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial stream %s: %w", taskID, err)
	}

	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("dial stream %s: %w", taskID, err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("dial stream %s: %w: content type %q", taskID, ErrUnexpectedResponse, ct)
	}

	d.logger.Debug("stream opened", "task_id", taskID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	return &sseStream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
	}, nil
}

// sseStream: один text/event-stream ответ.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	once    sync.Once
}

// Next возвращает данные следующего события.
//
// Строки data: одного события склеиваются через перевод строки,
// комментарии и прочие поля пропускаются. data: [DONE] и конец тела
// дают io.EOF.
func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading stream: %w", err)
			}
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, io.EOF
		}

		line := s.scanner.Text()

		// Пустая строка завершает событие.
		if line == "" {
			if buf.Len() == 0 {
				continue
			}
			return buf.Bytes(), nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		if value == "[DONE]" {
			return nil, io.EOF
		}

		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(value)
	}
}

// Close закрывает соединение. Повторный вызов безопасен.
func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
