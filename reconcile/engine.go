// Package reconcile resolves extracted entities against an external
// registry and turns noisy ranked-candidate search results into one of a
// small number of governed decisions: link automatically, queue for human
// review, or report no match.
//
// Links and verification tasks are persisted through the storage.Store
// abstraction under "links/<urlencoded iri>" and "queue/<taskID>". Batch
// reconciliation is deliberately serialized to avoid overrunning the
// registry's own rate limits.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semgate/registry"
	"github.com/c360studio/semgate/storage"
)

// Engine reconciles entities against the registry and manages the durable
// verification-task lifecycle. It holds no mutable state of its own; all
// coordination is delegated to the storage backend.
type Engine struct {
	store  storage.Store
	search registry.Searcher
	cfg    Config
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the reconciliation thresholds.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a reconciliation engine.
func NewEngine(store storage.Store, search registry.Searcher, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  store,
		search: search,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile config: %w", err)
	}
	return e, nil
}

func linkKey(entityIRI string) string {
	return "links/" + url.QueryEscape(entityIRI)
}

func taskKey(taskID string) string {
	return "queue/" + taskID
}

// ReconcileEntity resolves one entity. If a link already exists the search
// step is skipped entirely and the decision is DecisionSkipped. Registry
// errors propagate unwrapped; storage errors are wrapped with context.
func (e *Engine) ReconcileEntity(ctx context.Context, entity Entity) (*Result, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}

	existing, err := e.GetLink(ctx, entity.IRI)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		decisionsTotal.WithLabelValues(string(DecisionSkipped)).Inc()
		e.logger.Debug("entity already linked, skipping search",
			"entity", entity.IRI,
			"external_id", existing.ExternalID)
		return &Result{EntityIRI: entity.IRI, Decision: DecisionSkipped}, nil
	}

	candidates, err := e.search.Search(ctx, entity.Label, registry.SearchOptions{
		Language: e.cfg.Language,
		Limit:    e.cfg.MaxCandidates,
		Types:    entity.Types,
	})
	if err != nil {
		// Registry failures are the registry's own taxonomy; pass through.
		return nil, err
	}

	if len(candidates) == 0 {
		decisionsTotal.WithLabelValues(string(DecisionNoMatch)).Inc()
		return &Result{EntityIRI: entity.IRI, Decision: DecisionNoMatch}, nil
	}

	// Candidates arrive in descending score order; the first is the
	// authoritative best match.
	best := candidates[0]

	switch {
	case best.Score >= e.cfg.AutoLinkThreshold:
		if err := e.storeLink(ctx, entity.IRI, best.ID, LinkMethodAuto); err != nil {
			return nil, err
		}
		decisionsTotal.WithLabelValues(string(DecisionAutoLinked)).Inc()
		e.logger.Info("entity auto-linked",
			"entity", entity.IRI,
			"external_id", best.ID,
			"score", best.Score)
		return &Result{
			EntityIRI:  entity.IRI,
			Decision:   DecisionAutoLinked,
			Candidates: candidates,
			BestMatch:  &best,
		}, nil

	case best.Score >= e.cfg.QueueThreshold:
		taskID, err := e.QueueForVerification(ctx, entity.IRI, entity.Label, candidates)
		if err != nil {
			return nil, err
		}
		decisionsTotal.WithLabelValues(string(DecisionQueued)).Inc()
		return &Result{
			EntityIRI:  entity.IRI,
			Decision:   DecisionQueued,
			Candidates: candidates,
			BestMatch:  &best,
			TaskID:     taskID,
		}, nil

	default:
		decisionsTotal.WithLabelValues(string(DecisionNoMatch)).Inc()
		return &Result{
			EntityIRI:  entity.IRI,
			Decision:   DecisionNoMatch,
			Candidates: candidates,
			BestMatch:  &best,
		}, nil
	}
}

// ReconcileBatch resolves entities strictly one at a time. The fixed
// serialization is backpressure for the registry's own limits; callers
// asking for parallelism do not get it here. The first failure stops the
// batch and returns the results accumulated so far alongside the error.
func (e *Engine) ReconcileBatch(ctx context.Context, entities []Entity) ([]*Result, error) {
	results := make([]*Result, 0, len(entities))
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := e.ReconcileEntity(ctx, entity)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// QueueForVerification persists a pending verification task and returns
// its ID. IDs are process-time based with a random suffix; they are unique
// but not globally ordered.
func (e *Engine) QueueForVerification(ctx context.Context, entityIRI, label string, candidates []registry.Candidate) (string, error) {
	now := time.Now().UTC()
	taskID := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])

	task := VerificationTask{
		ID:         taskID,
		EntityIRI:  entityIRI,
		Label:      label,
		Candidates: candidates,
		CreatedAt:  now,
		Status:     TaskPending,
	}
	if err := e.putTask(ctx, &task); err != nil {
		return "", err
	}

	tasksQueuedTotal.Inc()
	e.logger.Info("entity queued for verification",
		"entity", entityIRI,
		"task", taskID,
		"candidates", len(candidates))
	return taskID, nil
}

// ApproveTask resolves a pending task: it persists the link for the chosen
// candidate and rewrites the task as approved. Approval is terminal.
func (e *Engine) ApproveTask(ctx context.Context, taskID, chosenID string) error {
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPending {
		return &Error{Op: "approve", TaskID: taskID, Err: ErrTaskNotPending}
	}

	if err := e.storeLink(ctx, task.EntityIRI, chosenID, LinkMethodManual); err != nil {
		return err
	}

	task.Status = TaskApproved
	task.ApprovedID = chosenID
	if err := e.putTask(ctx, task); err != nil {
		return err
	}

	e.logger.Info("verification task approved",
		"task", taskID,
		"entity", task.EntityIRI,
		"external_id", chosenID)
	return nil
}

// RejectTask rewrites a pending task as rejected. Rejection is terminal.
func (e *Engine) RejectTask(ctx context.Context, taskID string) error {
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPending {
		return &Error{Op: "reject", TaskID: taskID, Err: ErrTaskNotPending}
	}

	task.Status = TaskRejected
	if err := e.putTask(ctx, task); err != nil {
		return err
	}

	e.logger.Info("verification task rejected",
		"task", taskID,
		"entity", task.EntityIRI)
	return nil
}

// PendingTasks lists pending verification tasks sorted by creation time,
// oldest first. Records that fail to deserialize are skipped rather than
// escalated so one corrupt entry cannot block review of the rest.
func (e *Engine) PendingTasks(ctx context.Context) ([]*VerificationTask, error) {
	keys, err := e.store.Keys(ctx, "queue/")
	if err != nil {
		return nil, &Error{Op: "list tasks", Err: err}
	}

	tasks := make([]*VerificationTask, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := e.store.Get(ctx, key)
		if err != nil {
			e.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}

		var task VerificationTask
		if err := json.Unmarshal(data, &task); err != nil {
			e.logger.Warn("skipping corrupt task record", "key", key, "error", err)
			continue
		}
		if task.Status != TaskPending {
			continue
		}
		tasks = append(tasks, &task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// GetLink returns the persisted link for an entity, or nil when none exists.
func (e *Engine) GetLink(ctx context.Context, entityIRI string) (*Link, error) {
	data, err := e.store.Get(ctx, linkKey(entityIRI))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, &Error{Op: "get link", EntityIRI: entityIRI, Err: err}
	}

	var link Link
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, &Error{Op: "get link", EntityIRI: entityIRI, Err: err}
	}
	return &link, nil
}

func (e *Engine) storeLink(ctx context.Context, entityIRI, externalID, method string) error {
	link := Link{
		EntityIRI:  entityIRI,
		ExternalID: externalID,
		Method:     method,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(link)
	if err != nil {
		return &Error{Op: "store link", EntityIRI: entityIRI, Err: err}
	}
	if err := e.store.Set(ctx, linkKey(entityIRI), data); err != nil {
		return &Error{Op: "store link", EntityIRI: entityIRI, Err: err}
	}
	linksStoredTotal.WithLabelValues(method).Inc()
	return nil
}

func (e *Engine) getTask(ctx context.Context, taskID string) (*VerificationTask, error) {
	data, err := e.store.Get(ctx, taskKey(taskID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Op: "get task", TaskID: taskID, Err: ErrTaskNotFound}
		}
		return nil, &Error{Op: "get task", TaskID: taskID, Err: err}
	}

	var task VerificationTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, &Error{Op: "get task", TaskID: taskID, Err: err}
	}
	return &task, nil
}

func (e *Engine) putTask(ctx context.Context, task *VerificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return &Error{Op: "store task", TaskID: task.ID, Err: err}
	}
	if err := e.store.Set(ctx, taskKey(task.ID), data); err != nil {
		return &Error{Op: "store task", TaskID: task.ID, Err: err}
	}
	return nil
}
