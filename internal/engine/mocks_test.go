package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/models"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/repositories"
)

// In-memory repository fakes. They keep just enough state machine
// behavior (conditional transitions, pending-only item updates) for the
// orchestrator paths under test.

type fakeWorkflowRepo struct {
	mu        sync.Mutex
	nextID    uint
	workflows map[uint]*models.Workflow
}

func newFakeWorkflowRepo() *fakeWorkflowRepo {
	return &fakeWorkflowRepo{nextID: 1, workflows: make(map[uint]*models.Workflow)}
}

func (r *fakeWorkflowRepo) Create(_ context.Context, wf *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf.ID = r.nextID
	r.nextID++
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now()
	}
	r.workflows[wf.ID] = wf
	return nil
}

func (r *fakeWorkflowRepo) GetByID(_ context.Context, id uint) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, nil
	}
	copied := *wf
	return &copied, nil
}

func (r *fakeWorkflowRepo) GetByUserID(_ context.Context, userID uint, _, _ int) ([]*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range r.workflows {
		if wf.UserID == userID {
			copied := *wf
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeWorkflowRepo) Update(_ context.Context, wf *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	return nil
}

func (r *fakeWorkflowRepo) Delete(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, id)
	return nil
}

func (r *fakeWorkflowRepo) GetScheduled(_ context.Context) ([]*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range r.workflows {
		if wf.Status == models.WorkflowStatusEnabled && wf.CronSchedule != "" {
			copied := *wf
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeWorkflowRepo) MarkScheduled(_ context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wf, ok := r.workflows[id]; ok {
		t := at
		wf.LastScheduledAt = &t
	}
	return nil
}

func (r *fakeWorkflowRepo) RecordRun(_ context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wf, ok := r.workflows[id]; ok {
		t := at
		wf.LastRunAt = &t
		wf.RunCount++
	}
	return nil
}

type fakeRunRepo struct {
	mu     sync.Mutex
	nextID uint
	runs   map[string]*models.WorkflowRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{nextID: 1, runs: make(map[string]*models.WorkflowRun)}
}

func (r *fakeRunRepo) Create(_ context.Context, run *models.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.ID = r.nextID
	r.nextID++
	r.runs[run.RunID] = run
	return nil
}

func (r *fakeRunRepo) GetByRunID(_ context.Context, runID string) (*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (r *fakeRunRepo) GetByWorkflowID(_ context.Context, workflowID uint, _, _ int) ([]*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkflowRun
	for _, run := range r.runs {
		if run.WorkflowID == workflowID {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeRunRepo) Transition(_ context.Context, runID string, from, to models.RunStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.Status != from {
		return false, nil
	}
	run.Status = to
	return true, nil
}

func (r *fakeRunRepo) SetStarted(_ context.Context, runID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok && run.StartedAt == nil {
		t := at
		run.StartedAt = &t
	}
	return nil
}

func (r *fakeRunRepo) SetStagedTotal(_ context.Context, runID string, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.StagedTotal = total
	}
	return nil
}

func (r *fakeRunRepo) IncrementCounts(_ context.Context, runID string, processed, failed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.ProcessedItems += processed
		run.FailedItems += failed
	}
	return nil
}

func (r *fakeRunRepo) Finalize(_ context.Context, runID string, status models.RunStatus, errorMessage *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	run.Status = status
	run.ErrorMessage = errorMessage
	run.FinishedAt = &now
	return true, nil
}

func (r *fakeRunRepo) GetStale(_ context.Context, statuses []models.RunStatus, olderThan time.Time, limit int) ([]*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkflowRun
	for _, run := range r.runs {
		if len(out) >= limit {
			break
		}
		for _, st := range statuses {
			if run.Status == st && run.QueuedAt.Before(olderThan) {
				copied := *run
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRunRepo) GetMetrics(_ context.Context, workflowID uint, _ time.Time) (*models.RunMetrics, error) {
	return &models.RunMetrics{WorkflowID: workflowID}, nil
}

type fakeStagedItemRepo struct {
	mu     sync.Mutex
	nextID uint
	items  []*models.StagedItem
}

func newFakeStagedItemRepo() *fakeStagedItemRepo {
	return &fakeStagedItemRepo{nextID: 1}
}

func (r *fakeStagedItemRepo) CreateBatch(_ context.Context, items []*models.StagedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		item.ID = r.nextID
		r.nextID++
		if item.Status == "" {
			item.Status = models.StagedItemPending
		}
		r.items = append(r.items, item)
	}
	return nil
}

func (r *fakeStagedItemRepo) GetPendingByRun(_ context.Context, runID string) ([]*models.StagedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.StagedItem
	for _, item := range r.items {
		if item.RunID == runID && item.Status == models.StagedItemPending {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeStagedItemRepo) MarkProcessed(_ context.Context, id uint) error {
	return r.mark(id, models.StagedItemProcessed, nil)
}

func (r *fakeStagedItemRepo) MarkFailed(_ context.Context, id uint, message string) error {
	return r.mark(id, models.StagedItemFailed, &message)
}

func (r *fakeStagedItemRepo) mark(id uint, status models.StagedItemStatus, message *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.items {
		if item.ID == id && item.Status == models.StagedItemPending {
			now := time.Now()
			item.Status = status
			item.ErrorMessage = message
			item.ProcessedAt = &now
		}
	}
	return nil
}

func (r *fakeStagedItemRepo) FailPending(_ context.Context, runID string, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for _, item := range r.items {
		if item.RunID == runID && item.Status == models.StagedItemPending {
			msg := message
			item.Status = models.StagedItemFailed
			item.ErrorMessage = &msg
			item.ProcessedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *fakeStagedItemRepo) DeleteByRun(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	for _, item := range r.items {
		if item.RunID != runID {
			kept = append(kept, item)
		}
	}
	r.items = kept
	return nil
}

func (r *fakeStagedItemRepo) byRun(runID string) []*models.StagedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.StagedItem
	for _, item := range r.items {
		if item.RunID == runID {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out
}

type fakeRunLogRepo struct {
	mu   sync.Mutex
	logs []*models.RunLog
}

func (r *fakeRunLogRepo) Append(_ context.Context, log *models.RunLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *fakeRunLogRepo) GetByRun(_ context.Context, runID string, _, _ int) ([]*models.RunLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RunLog
	for _, log := range r.logs {
		if log.RunID == runID {
			out = append(out, log)
		}
	}
	return out, nil
}

func newFakeRepos() (*repositories.Repositories, *fakeWorkflowRepo, *fakeRunRepo, *fakeStagedItemRepo, *fakeRunLogRepo) {
	workflows := newFakeWorkflowRepo()
	runs := newFakeRunRepo()
	items := newFakeStagedItemRepo()
	logs := &fakeRunLogRepo{}
	return &repositories.Repositories{
		Workflow:   workflows,
		Run:        runs,
		StagedItem: items,
		RunLog:     logs,
	}, workflows, runs, items, logs
}

// Adapter fakes.

type entityWrite struct {
	EntityType string
	Mode       dsl.EntityWriteMode
	IdentifyBy string
	Record     map[string]interface{}
}

type fakeEntityStore struct {
	mu          sync.Mutex
	rows        map[string][]map[string]interface{}
	writes      []entityWrite
	readRetries []int
	writeErr    error
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{rows: make(map[string][]map[string]interface{})}
}

func (s *fakeEntityStore) ReadEntities(_ context.Context, entityType string, _ map[string]interface{}, retries int) ([]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readRetries = append(s.readRetries, retries)
	return s.rows[entityType], nil
}

func (s *fakeEntityStore) WriteEntity(_ context.Context, entityType string, mode dsl.EntityWriteMode, identifyBy string, record map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return "", s.writeErr
	}
	s.writes = append(s.writes, entityWrite{
		EntityType: entityType,
		Mode:       mode,
		IdentifyBy: identifyBy,
		Record:     record,
	})
	return fmt.Sprintf("ent-%d", len(s.writes)), nil
}

func (s *fakeEntityStore) written() []entityWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entityWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *fakeEntityStore) readRetryBudgets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.readRetries))
	copy(out, s.readRetries)
	return out
}

type emittedOutput struct {
	WorkflowID uint
	Records    []*dsl.Record
	Format     dsl.DataFormat
	Mode       dsl.OutputMode
	PushURI    string
}

// fakeFormatClient decodes stored payloads with the real codec so format
// sources behave exactly like production minus the HTTP hop.
type fakeFormatClient struct {
	mu           sync.Mutex
	uris         map[string][]byte
	stash        map[string][]byte
	emits        []emittedOutput
	fetchRetries []int
	fetchErr     error
}

func newFakeFormatClient() *fakeFormatClient {
	return &fakeFormatClient{
		uris:  make(map[string][]byte),
		stash: make(map[string][]byte),
	}
}

func (c *fakeFormatClient) FetchURI(_ context.Context, uri string, format dsl.DataFormat, opts dsl.FormatOptions, retries int) ([]*dsl.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchRetries = append(c.fetchRetries, retries)
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	body, ok := c.uris[uri]
	if !ok {
		return nil, &adapters.SourceUnavailableError{Source: "uri:" + uri, Err: fmt.Errorf("no payload for %s", uri)}
	}
	return adapters.DecodeRecords(body, format, opts)
}

func (c *fakeFormatClient) FetchInbound(_ context.Context, runID string, format dsl.DataFormat, opts dsl.FormatOptions) ([]*dsl.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.stash[runID]
	if !ok {
		return nil, &adapters.SourceUnavailableError{Source: "inbound:" + runID, Err: fmt.Errorf("no stashed payload")}
	}
	return adapters.DecodeRecords(body, format, opts)
}

func (c *fakeFormatClient) StashInbound(_ context.Context, runID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stash[runID] = body
	return nil
}

func (c *fakeFormatClient) Emit(_ context.Context, workflowID uint, records []*dsl.Record, format dsl.DataFormat, _ dsl.FormatOptions, mode dsl.OutputMode, pushURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emits = append(c.emits, emittedOutput{
		WorkflowID: workflowID,
		Records:    records,
		Format:     format,
		Mode:       mode,
		PushURI:    pushURI,
	})
	return nil
}

func (c *fakeFormatClient) GetOutput(_ context.Context, _ uint) ([]byte, string, error) {
	return nil, "", adapters.ErrNoOutput
}

func (c *fakeFormatClient) emitted() []emittedOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]emittedOutput, len(c.emits))
	copy(out, c.emits)
	return out
}

func (c *fakeFormatClient) fetchRetryBudgets() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.fetchRetries))
	copy(out, c.fetchRetries)
	return out
}
