// Package httpapi exposes the receipt pipeline over HTTP
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/deepnoodle-ai/expenseflow/pipeline"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Pipeline is the subset of pipeline.Service used by the handlers
type Pipeline interface {
	Start(ctx context.Context, imageURL string) (*pipeline.Result, error)
	Resume(ctx context.Context, runID, stepID string, resumeData json.RawMessage) (*pipeline.Result, error)
	Run(ctx context.Context, runID string) (*expenseflow.Run, error)
	Runs(ctx context.Context, filter expenseflow.RunFilter) ([]*expenseflow.RunSummary, error)
	Categories(ctx context.Context) ([]expense.Category, error)
}

var _ Pipeline = (*pipeline.Service)(nil)

// Server holds the dependencies for the API handlers
type Server struct {
	pipeline Pipeline
	logger   *slog.Logger
}

// NewServer creates a Server. A nil logger discards request logs.
func NewServer(p Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = expenseflow.NewDiscardLogger()
	}
	return &Server{pipeline: p, logger: logger}
}

// Handler returns an echo instance with every route registered
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency)
			return nil
		},
	}))

	api := e.Group("/api")
	api.POST("/receipts", s.CreateReceipt)
	api.POST("/runs/:id/resume", s.ResumeRun)
	api.GET("/runs/:id", s.GetRun)
	api.GET("/runs", s.ListRuns)
	api.GET("/categories", s.ListCategories)
	return e
}

type receiptRequest struct {
	ImageURL string `json:"imageUrl"`
}

type resumeRequest struct {
	StepID     string          `json:"stepId"`
	ResumeData json.RawMessage `json:"resumeData"`
}

type errorResponse struct {
	Error *expenseflow.WorkflowError `json:"error"`
}

// CreateReceipt starts a run for a receipt image
// (POST /api/receipts)
func (s *Server) CreateReceipt(c echo.Context) error {
	var req receiptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	res, err := s.pipeline.Start(c.Request().Context(), req.ImageURL)
	if err != nil {
		return err
	}
	return writeResult(c, res)
}

// ResumeRun continues a suspended run with reviewed data
// (POST /api/runs/:id/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if req.StepID == "" {
		return badRequest("stepId is required")
	}
	res, err := s.pipeline.Resume(c.Request().Context(), c.Param("id"), req.StepID, req.ResumeData)
	if err != nil {
		return err
	}
	return writeResult(c, res)
}

// GetRun returns a run snapshot
// (GET /api/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.pipeline.Run(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns returns run summaries, optionally filtered by status
// (GET /api/runs)
func (s *Server) ListRuns(c echo.Context) error {
	var filter expenseflow.RunFilter
	if status := c.QueryParam("status"); status != "" {
		filter.Status = expenseflow.RunStatus(status)
		if !filter.Status.Valid() {
			return badRequest("unknown status %q", status)
		}
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	runs, err := s.pipeline.Runs(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

// ListCategories returns the configured categories
// (GET /api/categories)
func (s *Server) ListCategories(c echo.Context) error {
	categories, err := s.pipeline.Categories(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, categories)
}

func writeResult(c echo.Context, res *pipeline.Result) error {
	switch res.Kind {
	case expenseflow.RunResultSuccess:
		return c.JSON(http.StatusCreated, res)
	case expenseflow.RunResultSuspended:
		return c.JSON(http.StatusAccepted, res)
	default:
		return c.JSON(StatusCode(res.Error), res)
	}
}

func badRequest(format string, args ...any) error {
	return expenseflow.NewWorkflowError(expenseflow.ErrorTypeInvalidInput, fmt.Sprintf(format, args...))
}

// StatusCode maps an error classification to an HTTP status
func StatusCode(err *expenseflow.WorkflowError) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	switch err.Type {
	case expenseflow.ErrorTypeInvalidInput, expenseflow.ErrorTypeValidation:
		return http.StatusBadRequest
	case expenseflow.ErrorTypeRunNotFound:
		return http.StatusNotFound
	case expenseflow.ErrorTypeInvalidResumeState:
		return http.StatusConflict
	case expenseflow.ErrorTypeCategoryNotFound:
		return http.StatusUnprocessableEntity
	case expenseflow.ErrorTypeUpstream:
		return http.StatusBadGateway
	case expenseflow.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var status int
	var body *expenseflow.WorkflowError
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		body = &expenseflow.WorkflowError{
			Type:  httpErrorType(httpErr.Code),
			Cause: http.StatusText(httpErr.Code),
		}
		if msg, ok := httpErr.Message.(string); ok {
			body.Cause = msg
		}
	} else {
		body = expenseflow.ClassifyError(err)
		status = StatusCode(body)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error_type", body.Type,
			"error", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: body})
	}
	if err != nil {
		s.logger.Error("failed to write error response", "error", err)
	}
}

func httpErrorType(code int) string {
	switch code {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	}
	if code < http.StatusInternalServerError {
		return expenseflow.ErrorTypeInvalidInput
	}
	return expenseflow.ErrorTypeStepFailed
}
