package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Flowstream/internal/orchestrator"
	"github.com/shaiso/Flowstream/internal/repo"
)

// ErrorCode: код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeLaunchFailed   ErrorCode = "LAUNCH_FAILED"
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse: структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail: детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse: структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse: структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет ответ 202: команда принята к асинхронной обработке.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict отправляет ошибку 409.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку хранилища или orchestrator в HTTP ответ.
// Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, orchestrator.ErrTaskNotTracked),
		errors.Is(err, orchestrator.ErrNoActiveSession):
		msg := notFoundMsg
		if msg == "" {
			msg = err.Error()
		}
		NotFound(w, msg)

	case errors.Is(err, repo.ErrAlreadyExists),
		errors.Is(err, orchestrator.ErrFlowAlreadyRunning),
		errors.Is(err, orchestrator.ErrTaskFinished):
		Conflict(w, err.Error())

	case errors.Is(err, repo.ErrInvalidState),
		errors.Is(err, orchestrator.ErrNoApprovedFlows):
		InvalidState(w, err.Error())

	case errors.Is(err, orchestrator.ErrLaunchFailed):
		logger.Warn("launch failed", "error", err)
		Error(w, http.StatusBadGateway, ErrCodeLaunchFailed, err.Error())

	case errors.Is(err, orchestrator.ErrOrchestratorStopped):
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())

	default:
		InternalError(w, logger, err)
	}
	return true
}
