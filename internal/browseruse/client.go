package browseruse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shaiso/Flowstream/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://api.browser-use.com/api/v1"
	defaultTimeout     = 30 * time.Second
	defaultRateLimit   = 5
	defaultBurst       = 5
	defaultConcurrency = 8
)

// Config: конфигурация Client.
type Config struct {
	// BaseURL: адрес REST API (default: DefaultBaseURL).
	BaseURL string

	APIKey string

	// HTTPClient: необязательный клиент, например для тестов.
	HTTPClient *http.Client

	// RateLimit: запросов создания task в секунду (default: 5).
	RateLimit float64

	// Burst: размер всплеска для RateLimit (default: 5).
	Burst int

	// Concurrency: сколько tasks пакета создаётся параллельно (default: 8).
	Concurrency int

	Logger *slog.Logger
}

// Client: клиент REST API удалённого сервиса.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	concurrency int
	logger      *slog.Logger
}

// NewClient создаёт новый Client.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		concurrency: concurrency,
		logger:      logger.With("component", "browseruse"),
	}
}

// IsConfigured проверяет, что задан API-ключ.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// --- Tasks ---

type createTaskRequest struct {
	Task string `json:"task"`
}

type createTaskResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	LiveURL   string `json:"live_url,omitempty"`
}

// TaskDetails: снимок состояния удалённого task.
type TaskDetails struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id,omitempty"`
	Status     string            `json:"status"`
	LiveURL    string            `json:"live_url,omitempty"`
	IsSuccess  *bool             `json:"is_success,omitempty"`
	Steps      []domain.StepInfo `json:"steps,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	StartedAt  string            `json:"started_at,omitempty"`
	FinishedAt string            `json:"finished_at,omitempty"`
}

// CreateTask создаёт один удалённый task.
func (c *Client) CreateTask(ctx context.Context, task string) (domain.TaskDescriptor, error) {
	if !c.IsConfigured() {
		return domain.TaskDescriptor{}, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.TaskDescriptor{}, fmt.Errorf("rate limit: %w", err)
	}

	var resp createTaskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/run-task", createTaskRequest{Task: task}, &resp); err != nil {
		return domain.TaskDescriptor{}, fmt.Errorf("create task: %w", err)
	}
	if resp.ID == "" {
		return domain.TaskDescriptor{}, fmt.Errorf("create task: %w: empty task id", ErrUnexpectedResponse)
	}

	c.logger.Info("remote task created", "task_id", resp.ID)

	desc := domain.TaskDescriptor{
		TaskID:    resp.ID,
		SessionID: resp.SessionID,
		LiveURL:   resp.LiveURL,
	}
	if desc.SessionID == "" {
		desc.SessionID = resp.ID
	}
	return desc, nil
}

// CreateTasks создаёт tasks для всех описаний параллельно.
//
// Результат в порядке descriptions. Ошибка любого task: ошибка всего
// пакета, частичный результат не возвращается.
func (c *Client) CreateTasks(ctx context.Context, descriptions []string) ([]domain.TaskDescriptor, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	descs := make([]domain.TaskDescriptor, len(descriptions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, task := range descriptions {
		g.Go(func() error {
			desc, err := c.CreateTask(gctx, task)
			if err != nil {
				return err
			}
			descs[i] = desc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Error("batch task creation failed", "count", len(descriptions), "error", err)
		return nil, err
	}
	return descs, nil
}

// GetTask возвращает текущее состояние task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskDetails, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	var details TaskDetails
	if err := c.doJSON(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, &details); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if details.ID == "" {
		details.ID = taskID
	}
	return &details, nil
}

// StopTask останавливает удалённый task.
func (c *Client) StopTask(ctx context.Context, taskID string) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	path := "/stop-task?" + url.Values{"task_id": {taskID}}.Encode()
	if err := c.doJSON(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}

	c.logger.Info("remote task stopped", "task_id", taskID)
	return nil
}

// --- HTTP helpers ---

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}
