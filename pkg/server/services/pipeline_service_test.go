package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-backend/pkg/budget"
	"pipeline-backend/pkg/config"
	"pipeline-backend/pkg/scheduler"
	"pipeline-backend/pkg/sla"
	"pipeline-backend/pkg/stats"
	"pipeline-backend/pkg/store"
	"pipeline-backend/pkg/types"
)

type serviceHarness struct {
	engine     *gin.Engine
	store      *store.MemoryStore
	dispatcher *scheduler.Dispatcher
}

type nopExecutor struct{}

func (nopExecutor) Dispatch(ctx context.Context, task *types.PipelineTask) error { return nil }

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultServerConfig()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	logger := zerolog.Nop()
	slaEngine := sla.NewEngine(cfg)
	tracker := budget.NewTracker(cfg, logger, st)
	resolver := scheduler.NewResolver(st)
	retryMgr := scheduler.NewRetryManager(cfg, logger, st)
	controller := scheduler.NewQueueController(cfg, logger, st)
	require.NoError(t, controller.EnsureDefaults(context.Background()))

	dispatcher := scheduler.NewDispatcher(cfg, logger, st, resolver, tracker, slaEngine, nopExecutor{}, retryMgr)
	aggregator := stats.NewAggregator(cfg, logger, st, slaEngine)

	engine := gin.New()
	NewPipelineService(cfg, logger, st, dispatcher, resolver, retryMgr, slaEngine, aggregator).RegisterRoutes(engine)
	NewQueueService(cfg, logger, st, controller).RegisterRoutes(engine)
	NewResourceService(cfg, logger, st, tracker).RegisterRoutes(engine)
	NewWorkerService(cfg, logger, st, dispatcher).RegisterRoutes(engine)

	return &serviceHarness{engine: engine, store: st, dispatcher: dispatcher}
}

func (h *serviceHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
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
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *types.PipelineTask {
	t.Helper()

	var task types.PipelineTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	return &task
}

func TestPipelineEndpoints(t *testing.T) {
	h := newServiceHarness(t)

	t.Run("Create And List", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/pipelines", gin.H{
			"task_type":    "consolidation",
			"priority":     7,
			"sla_category": "high",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		created := decodeTask(t, rec)
		assert.Equal(t, types.TaskStatusQueued, created.Status)
		assert.NotNil(t, created.SLADeadline)

		rec = h.do(t, http.MethodGet, "/admin/pipelines?task_type=consolidation", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var listing struct {
			Tasks []*types.PipelineTask `json:"tasks"`
			Count int                   `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
		assert.Equal(t, 1, listing.Count)
		// 列表读路径带SLA派生字段
		require.NotNil(t, listing.Tasks[0].SLARemainingMS)
	})

	t.Run("Create Validation Error", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/pipelines", gin.H{
			"task_type": "alchemy",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
	})

	t.Run("Dependencies View", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/pipelines", gin.H{"task_type": "consolidation"})
		require.Equal(t, http.StatusCreated, rec.Code)
		blocker := decodeTask(t, rec)

		rec = h.do(t, http.MethodPost, "/admin/pipelines", gin.H{
			"task_type":        "critique",
			"blocks_on_task_id": blocker.ID,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		dependent := decodeTask(t, rec)
		assert.Equal(t, types.TaskStatusBlocked, dependent.Status)

		rec = h.do(t, http.MethodGet, "/admin/pipelines/"+dependent.ID+"/dependencies", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var view struct {
			Task         *types.PipelineTask   `json:"task"`
			Dependencies []*types.PipelineTask `json:"dependencies"`
			Dependents   []*types.PipelineTask `json:"dependents"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		require.Len(t, view.Dependencies, 1)
		assert.Equal(t, blocker.ID, view.Dependencies[0].ID)
		assert.Empty(t, view.Dependents)
	})

	t.Run("Not Found Mapping", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/pipelines/ghost/dependencies", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "not_found")
	})

	t.Run("Cancel And Conflict Mapping", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/pipelines", gin.H{"task_type": "evaluation"})
		require.Equal(t, http.StatusCreated, rec.Code)
		task := decodeTask(t, rec)

		rec = h.do(t, http.MethodPost, "/admin/pipelines/"+task.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		cancelled := decodeTask(t, rec)
		assert.Equal(t, types.TaskStatusFailed, cancelled.Status)

		// 终态任务再取消映射为409
		rec = h.do(t, http.MethodPost, "/admin/pipelines/"+task.ID+"/cancel", nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_transition")
	})

	t.Run("Retry With Reset", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/pipelines", gin.H{"task_type": "evaluation"})
		task := decodeTask(t, rec)
		rec = h.do(t, http.MethodPost, "/admin/pipelines/"+task.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, http.MethodPost, "/admin/pipelines/"+task.ID+"/retry?reset_attempts=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		retried := decodeTask(t, rec)
		assert.Equal(t, types.TaskStatusQueued, retried.Status)
		assert.Zero(t, retried.Attempts)
	})

	t.Run("Stats", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/pipelines/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var snapshot types.PipelineStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
		assert.NotZero(t, snapshot.GeneratedAt)
	})

	t.Run("Export CSV", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/pipelines/export?format=csv", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
		assert.Contains(t, rec.Body.String(), "id,org_id,task_type")
	})

	t.Run("Export Unknown Format", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/pipelines/export?format=xml", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWorkerCallbackEndpoint(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/admin/pipelines", gin.H{"task_type": "consolidation"})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decodeTask(t, rec)

	require.NoError(t, h.dispatcher.RunCycle(ctx))

	rec = h.do(t, http.MethodPost, "/worker/callback", gin.H{
		"task_id":       task.ID,
		"status":        "succeeded",
		"actual_tokens": 321,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeTask(t, rec)
	assert.Equal(t, types.TaskStatusSucceeded, done.Status)

	// 重复回报映射为409
	rec = h.do(t, http.MethodPost, "/worker/callback", gin.H{
		"task_id": task.ID,
		"status":  "succeeded",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	h := newServiceHarness(t)

	t.Run("List Queues", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/ops/queues", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var listing struct {
			Queues []json.RawMessage `json:"queues"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
		assert.Len(t, listing.Queues, len(types.KnownTaskTypes()))
	})

	t.Run("Pause Resume Drain", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/ops/queues/critique/pause", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "paused")

		rec = h.do(t, http.MethodPost, "/admin/ops/queues/critique/resume", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, http.MethodPost, "/admin/pipelines", gin.H{"task_type": "critique"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = h.do(t, http.MethodPost, "/admin/ops/queues/critique/drain", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"drained":1`)
	})

	t.Run("Unknown Queue", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/admin/ops/queues/alchemy/pause", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Update Config", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/admin/ops/queues/critique", gin.H{
			"concurrency":     8,
			"priority_weight": 2.5,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var cfg types.QueueConfig
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
		assert.Equal(t, 8, cfg.Concurrency)
		assert.Equal(t, 2.5, cfg.PriorityWeight)
	})
}

func TestResourceEndpoints(t *testing.T) {
	h := newServiceHarness(t)

	t.Run("No Budget Is Not Found", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/ops/resources", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Save Then Control", func(t *testing.T) {
		now := time.Now()
		rec := h.do(t, http.MethodPost, "/admin/ops/resources", gin.H{
			"period":       now.Format("2006-01"),
			"period_start": now.Add(-time.Hour).Format(time.RFC3339),
			"period_end":   now.Add(time.Hour).Format(time.RFC3339),
			"token_budget": 50000,
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = h.do(t, http.MethodPost, "/admin/ops/resources/throttle", gin.H{"rate": 0.4})
		require.Equal(t, http.StatusOK, rec.Code)

		var b types.ResourceBudget
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
		assert.Equal(t, 0.4, b.ThrottleRate)
		assert.True(t, b.DegradedMode)

		rec = h.do(t, http.MethodPost, "/admin/ops/resources/throttle", gin.H{"rate": 1.5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(t, http.MethodPost, "/admin/ops/resources/block", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = h.do(t, http.MethodPost, "/admin/ops/resources/unblock", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestBreachedOnlyListing(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()
	now := time.Now()

	// 截止时间已过45分钟的排队任务
	lapsed := now.Add(-45 * time.Minute)
	overdue := &types.PipelineTask{
		ID:          types.NewTaskID(),
		OrgID:       "default",
		Type:        types.TaskTypeCritique,
		Status:      types.TaskStatusQueued,
		Priority:    5,
		SLACategory: types.SLACategoryCritical,
		SLADeadline: &lapsed,
		MaxAttempts: 3,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateTask(ctx, overdue))

	upcoming := now.Add(30 * time.Minute)
	onTrack := &types.PipelineTask{
		ID:          types.NewTaskID(),
		OrgID:       "default",
		Type:        types.TaskTypeCritique,
		Status:      types.TaskStatusQueued,
		Priority:    5,
		SLACategory: types.SLACategoryHigh,
		SLADeadline: &upcoming,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, h.store.CreateTask(ctx, onTrack))

	// 截止时间已过，但当时按期完成
	finished := lapsed.Add(-10 * time.Minute)
	completedOnTime := &types.PipelineTask{
		ID:          types.NewTaskID(),
		OrgID:       "default",
		Type:        types.TaskTypeCritique,
		Status:      types.TaskStatusSucceeded,
		Priority:    5,
		SLACategory: types.SLACategoryCritical,
		SLADeadline: &lapsed,
		CompletedAt: &finished,
		MaxAttempts: 3,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
	}
	require.NoError(t, h.store.CreateTask(ctx, completedOnTime))

	t.Run("Filtered Listing Matches Annotation", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/pipelines?sla_breached_only=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var listing struct {
			Tasks []*types.PipelineTask `json:"tasks"`
			Count int                   `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
		require.Equal(t, 1, listing.Count)
		assert.Equal(t, overdue.ID, listing.Tasks[0].ID)
		assert.True(t, listing.Tasks[0].SLABreached)
	})

	t.Run("Unfiltered Listing Flags Same Task", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/admin/pipelines", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var listing struct {
			Tasks []*types.PipelineTask `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))

		breached := make(map[string]bool)
		for _, task := range listing.Tasks {
			if task.SLABreached {
				breached[task.ID] = true
			}
		}
		assert.Equal(t, map[string]bool{overdue.ID: true}, breached)
	})
}
