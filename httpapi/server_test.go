package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/expense"
	"github.com/deepnoodle-ai/expenseflow/llm"
	"github.com/deepnoodle-ai/expenseflow/pipeline"
	"github.com/deepnoodle-ai/expenseflow/steps"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const receiptURL = "https://receipts.example.com/r/42.jpg"

type fakeModel struct {
	err error
}

func (m *fakeModel) GenerateObject(ctx context.Context, req llm.ObjectRequest) (map[string]any, error) {
	if m.err != nil {
		return nil, m.err
	}
	return map[string]any{
		"merchant": "Blue Bottle",
		"amount":   json.Number("12.40"),
		"date":     "2025-03-02",
		"category": "coffee",
		"items": []any{
			map[string]any{"description": "Latte", "quantity": json.Number("2"), "unitPrice": json.Number("6.20"), "total": json.Number("12.40")},
		},
	}, nil
}

func (m *fakeModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "Meals", nil
}

type apiResponse struct {
	Kind           string                     `json:"kind"`
	RunID          string                     `json:"runId"`
	StepID         string                     `json:"stepId"`
	SuspendPayload *expense.Draft             `json:"suspendPayload"`
	Expense        *expense.Expense           `json:"expense"`
	Error          *expenseflow.WorkflowError `json:"error"`
}

type testServer struct {
	model   *fakeModel
	repo    *expense.MemoryStore
	handler *echo.Echo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		model: &fakeModel{},
		repo:  expense.NewMemoryStore(expense.Category{Name: "Meals"}, expense.Category{Name: "Travel"}),
	}
	service, err := pipeline.New(pipeline.Options{
		Objects:    ts.model,
		Text:       ts.model,
		Categories: ts.repo,
		Expenses:   ts.repo,
		Store:      expenseflow.NewMemoryRunStore(),
	})
	require.NoError(t, err)
	ts.handler = NewServer(service, nil).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out apiResponse
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (ts *testServer) startReceipt(t *testing.T) apiResponse {
	t.Helper()
	rec, res := ts.do(t, http.MethodPost, "/api/receipts", map[string]any{"imageUrl": receiptURL})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return res
}

func TestReceiptLifecycle(t *testing.T) {
	ts := newTestServer(t)

	started := ts.startReceipt(t)
	assert.Equal(t, "suspended", started.Kind)
	assert.Equal(t, steps.ReviewID, started.StepID)
	require.NotNil(t, started.SuspendPayload)
	assert.Equal(t, "Meals", started.SuspendPayload.Category)

	rec, _ := ts.do(t, http.MethodGet, "/api/runs/"+started.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run expenseflow.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, expenseflow.RunStatusSuspended, run.Status)

	draft := *started.SuspendPayload
	draft.Notes = "team coffee"
	rec, done := ts.do(t, http.MethodPost, "/api/runs/"+started.RunID+"/resume",
		map[string]any{"stepId": steps.ReviewID, "resumeData": draft})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "success", done.Kind)
	require.NotNil(t, done.Expense)
	assert.Equal(t, "team coffee", done.Expense.Notes)
	assert.Equal(t, started.RunID, done.Expense.RunID)

	// A completed run cannot be resumed again
	rec, conflict := ts.do(t, http.MethodPost, "/api/runs/"+started.RunID+"/resume",
		map[string]any{"stepId": steps.ReviewID, "resumeData": draft})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, conflict.Error)
	assert.Equal(t, expenseflow.ErrorTypeInvalidResumeState, conflict.Error.Type)

	rec, _ = ts.do(t, http.MethodGet, "/api/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []*expenseflow.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, started.RunID, summaries[0].RunID)
}

func TestErrorStatusMapping(t *testing.T) {
	t.Run("invalid image reference", func(t *testing.T) {
		ts := newTestServer(t)
		rec, res := ts.do(t, http.MethodPost, "/api/receipts", map[string]any{"imageUrl": "not a url"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, res.Error)
		assert.Equal(t, expenseflow.ErrorTypeInvalidInput, res.Error.Type)
	})

	t.Run("validation on resume", func(t *testing.T) {
		ts := newTestServer(t)
		started := ts.startReceipt(t)
		rec, res := ts.do(t, http.MethodPost, "/api/runs/"+started.RunID+"/resume",
			map[string]any{"stepId": steps.ReviewID, "resumeData": map[string]any{"merchant": "Blue Bottle"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, res.Error)
		assert.Equal(t, expenseflow.ErrorTypeValidation, res.Error.Type)
		assert.NotNil(t, res.Error.Details)
	})

	t.Run("unknown run", func(t *testing.T) {
		ts := newTestServer(t)
		rec, res := ts.do(t, http.MethodPost, "/api/runs/run_missing/resume",
			map[string]any{"stepId": steps.ReviewID, "resumeData": map[string]any{}})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, res.Error)
		assert.Equal(t, expenseflow.ErrorTypeRunNotFound, res.Error.Type)

		rec, _ = ts.do(t, http.MethodGet, "/api/runs/run_missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing step id", func(t *testing.T) {
		ts := newTestServer(t)
		rec, _ := ts.do(t, http.MethodPost, "/api/runs/run_any/resume", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown category", func(t *testing.T) {
		ts := newTestServer(t)
		started := ts.startReceipt(t)
		draft := *started.SuspendPayload
		draft.Category = "Groceries"
		rec, res := ts.do(t, http.MethodPost, "/api/runs/"+started.RunID+"/resume",
			map[string]any{"stepId": steps.ReviewID, "resumeData": draft})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "failed", res.Kind)
		require.NotNil(t, res.Error)
		assert.Equal(t, expenseflow.ErrorTypeCategoryNotFound, res.Error.Type)

		_, err := ts.repo.GetExpenseByRunID(context.Background(), started.RunID)
		assert.True(t, errors.Is(err, expense.ErrNotFound))
	})

	t.Run("upstream failure", func(t *testing.T) {
		ts := newTestServer(t)
		ts.model.err = errors.New("model unavailable")
		rec, res := ts.do(t, http.MethodPost, "/api/receipts", map[string]any{"imageUrl": receiptURL})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		require.NotNil(t, res.Error)
		assert.Equal(t, expenseflow.ErrorTypeUpstream, res.Error.Type)
	})

	t.Run("bad status filter", func(t *testing.T) {
		ts := newTestServer(t)
		rec, _ := ts.do(t, http.MethodGet, "/api/runs?status=sleeping", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		ts := newTestServer(t)
		rec, res := ts.do(t, http.MethodGet, "/api/nothing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, res.Error)
		assert.Equal(t, "not_found", res.Error.Type)
	})
}

func TestListCategories(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/api/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var categories []expense.Category
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &categories))
	assert.Equal(t, []string{"Meals", "Travel"}, expense.CategoryNames(categories))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusCode(nil))
	assert.Equal(t, http.StatusBadGateway, StatusCode(&expenseflow.WorkflowError{Type: expenseflow.ErrorTypeUpstream}))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(&expenseflow.WorkflowError{Type: expenseflow.ErrorTypeStepFailed}))
}
