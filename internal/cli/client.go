package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// SessionResponse: parent session из API.
type SessionResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt,omitempty"`
	WebsiteURL     string `json:"website_url,omitempty"`
	Status         string `json:"status"`
	TotalFlows     int    `json:"total_flows"`
	CompletedFlows int    `json:"completed_flows"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// TaskResponse: task session из API.
type TaskResponse struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	SessionID       string `json:"automation_session_id"`
	ParentSessionID string `json:"parent_session_id"`
	FlowName        string `json:"flow_name"`
	Status          string `json:"status"`
	LiveViewURL     string `json:"live_view_url,omitempty"`
	CurrentURL      string `json:"current_url,omitempty"`
	CurrentAction   string `json:"current_action,omitempty"`
	Progress        int    `json:"progress"`
	ErrorMessage    string `json:"error_message,omitempty"`
	Output          string `json:"output,omitempty"`
	StartedAt       string `json:"started_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

// LaunchOutcome: итог запуска одного flow.
type LaunchOutcome struct {
	Flow   Flow          `json:"flow"`
	Status string        `json:"status"`
	Task   *TaskResponse `json:"task,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// LaunchResponse: ответ на запуск flows.
type LaunchResponse struct {
	ParentSessionID string          `json:"parent_session_id"`
	Started         int             `json:"started"`
	Outcomes        []LaunchOutcome `json:"outcomes"`
}

// AcceptedResponse: команда поставлена в очередь.
type AcceptedResponse struct {
	Queue string `json:"queue"`
}

// SwitchResponse: итог переключения активной сессии.
type SwitchResponse struct {
	ParentSessionID string `json:"parent_session_id"`
	Tasks           int    `json:"tasks"`
	Attached        int    `json:"attached"`
	Stopped         int    `json:"stopped"`
	Partial         bool   `json:"partial"`
}

// ViewResponse: проекция активной сессии.
type ViewResponse struct {
	ParentSessionID string         `json:"parent_session_id"`
	Tasks           []TaskResponse `json:"tasks"`
}

// ViewEvent: событие потока /api/v1/view/stream.
type ViewEvent struct {
	Type            string         `json:"type"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	Task            *TaskResponse  `json:"task,omitempty"`
	Tasks           []TaskResponse `json:"tasks,omitempty"`
	Timestamp       string         `json:"timestamp"`
}

// --- Request types ---

// Flow: описание flow для запуска. Читается из YAML или JSON файла.
type Flow struct {
	Name                     string `json:"name" yaml:"name"`
	Description              string `json:"description" yaml:"description"`
	Instructions             string `json:"instructions,omitempty" yaml:"instructions"`
	Approved                 bool   `json:"approved" yaml:"approved"`
	Status                   string `json:"status,omitempty" yaml:"status,omitempty"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds,omitempty" yaml:"estimated_duration_seconds,omitempty"`
}

// CreateSessionRequest: создание сессии.
type CreateSessionRequest struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt,omitempty"`
	WebsiteURL string `json:"website_url,omitempty"`
}

type launchRequest struct {
	Flows []Flow `json:"flows"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client: HTTP-клиент для Flowstream API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// streamClient без таймаута: поток /view/stream живёт долго.
	streamClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// --- Sessions ---

// ListSessions возвращает последние сессии.
func (c *Client) ListSessions(limit int) ([]SessionResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var sessions []SessionResponse
	err := c.list("/api/v1/sessions", params, &sessions)
	return sessions, err
}

// CreateSession создаёт новую сессию.
func (c *Client) CreateSession(req CreateSessionRequest) (*SessionResponse, error) {
	var session SessionResponse
	err := c.post("/api/v1/sessions", req, &session)
	return &session, err
}

// GetSession возвращает сессию по ID.
func (c *Client) GetSession(id string) (*SessionResponse, error) {
	var session SessionResponse
	err := c.get("/api/v1/sessions/"+id, &session)
	return &session, err
}

// ListSessionTasks возвращает tasks сессии.
func (c *Client) ListSessionTasks(id string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list("/api/v1/sessions/"+id+"/tasks", nil, &tasks)
	return tasks, err
}

// LaunchFlows запускает одобренные flows сессии.
func (c *Client) LaunchFlows(id string, flows []Flow) (*LaunchResponse, error) {
	var resp LaunchResponse
	err := c.post("/api/v1/sessions/"+id+"/launch", launchRequest{Flows: flows}, &resp)
	return &resp, err
}

// LaunchFlowsAsync ставит запуск в очередь RabbitMQ.
func (c *Client) LaunchFlowsAsync(id string, flows []Flow) (*AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.post("/api/v1/sessions/"+id+"/launch?async=true", launchRequest{Flows: flows}, &resp)
	return &resp, err
}

// ActivateSession делает сессию активной.
func (c *Client) ActivateSession(id string) (*SwitchResponse, error) {
	var resp SwitchResponse
	err := c.post("/api/v1/sessions/"+id+"/activate", nil, &resp)
	return &resp, err
}

// --- Tasks ---

// CancelTask останавливает task.
func (c *Client) CancelTask(taskID string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.doData(http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task)
	return &task, err
}

// --- View ---

// GetView возвращает проекцию активной сессии.
func (c *Client) GetView() (*ViewResponse, error) {
	var view ViewResponse
	err := c.get("/api/v1/view", &view)
	return &view, err
}

// Stats возвращает состояние оркестратора как есть.
func (c *Client) Stats() (map[string]any, error) {
	var stats map[string]any
	err := c.get("/api/v1/stats", &stats)
	return stats, err
}

// WatchView читает поток /api/v1/view/stream и вызывает fn на каждое событие.
// Возвращает nil, когда ctx отменён.
func (c *Client) WatchView(ctx context.Context, fn func(ViewEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/view/stream", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var ev ViewEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
