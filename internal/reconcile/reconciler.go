// Package reconcile replays operations queued by offline clients.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"unisync/internal/apperr"
	"unisync/internal/attendance"
	"unisync/internal/docstore"
	"unisync/internal/logging"
	"unisync/internal/metrics"
)

const syncStateCollection = "syncState"

var attendanceCollection = collections[EntityAttendance]

// SyncOperation is one client-side change to replay.
type SyncOperation struct {
	Operation  string         `json:"operation"`
	EntityType string         `json:"entityType" validate:"required"`
	EntityID   string         `json:"entityId" validate:"required"`
	EntityData map[string]any `json:"entityData"`

	decodeErr error
}

// UnmarshalJSON decodes what it can and keeps the decode error on the
// operation, so a badly typed element fails alone inside its batch.
func (op *SyncOperation) UnmarshalJSON(b []byte) error {
	type plain SyncOperation
	var p plain
	err := json.Unmarshal(b, &p)
	*op = SyncOperation(p)
	op.decodeErr = err
	return nil
}

// Result reports an applied operation.
type Result struct {
	Operation  string `json:"operation"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Status     string `json:"status"`
}

// OperationError reports an operation that was not applied.
type OperationError struct {
	Operation  string `json:"operation"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error"`
}

// Report is the outcome of one batch. Synced+Failed always equals the batch
// length.
type Report struct {
	Synced  int              `json:"synced"`
	Failed  int              `json:"failed"`
	Results []Result         `json:"results"`
	Errors  []OperationError `json:"errors"`
}

// Status is the last recorded sync of a user.
type Status struct {
	UserID       string `json:"userId"`
	LastSyncTime int64  `json:"lastSyncTime"`
	IsOnline     bool   `json:"isOnline"`
}

var errUnknownOperation = apperr.New(apperr.Validation, "Unknown operation")

// Reconciler applies batches against a document store.
type Reconciler struct {
	store      docstore.Store
	attendance *attendance.Service
	validate   *validator.Validate
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithAttendance routes Attendance operations through svc.
func WithAttendance(svc *attendance.Service) Option {
	return func(r *Reconciler) { r.attendance = svc }
}

// New creates a reconciler backed by store.
func New(store docstore.Store, opts ...Option) *Reconciler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	r := &Reconciler{store: store, validate: v, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.attendance == nil {
		r.attendance = attendance.NewService(attendance.NewRepository(store), 0,
			attendance.WithClock(r.now), attendance.WithLogger(r.logger))
	}
	return r
}

// Reconcile applies each operation in order. A failing operation is
// recorded in the report and never stops the rest of the batch.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, ops []SyncOperation) Report {
	log := logging.FromContext(ctx, r.logger)
	report := Report{
		Results: make([]Result, 0, len(ops)),
		Errors:  make([]OperationError, 0),
	}
	for _, op := range ops {
		tag := Operation(strings.ToUpper(strings.TrimSpace(op.Operation)))
		if err := r.apply(ctx, tag, op); err != nil {
			if apperr.KindOf(err) == apperr.Internal {
				log.ErrorContext(ctx, "sync operation failed",
					"operation", op.Operation, "entity_type", op.EntityType, "entity_id", op.EntityID, "error", err)
			}
			report.Errors = append(report.Errors, OperationError{
				Operation:  op.Operation,
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Error:      apperr.Message(err),
			})
			metrics.SyncOperations.WithLabelValues(metricLabel(tag), "failed").Inc()
			continue
		}
		report.Results = append(report.Results, Result{
			Operation:  string(tag),
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Status:     "success",
		})
		metrics.SyncOperations.WithLabelValues(metricLabel(tag), "success").Inc()
	}
	report.Synced = len(report.Results)
	report.Failed = len(report.Errors)

	if userID != "" {
		state := docstore.Doc{
			"userId":       userID,
			"lastSyncTime": r.now().UnixMilli(),
			"synced":       report.Synced,
			"failed":       report.Failed,
		}
		if err := r.store.Set(ctx, syncStateCollection, userID, state); err != nil {
			log.WarnContext(ctx, "could not record sync state", "user_id", userID, "error", err)
		}
	}
	log.InfoContext(ctx, "sync batch applied", "user_id", userID, "synced", report.Synced, "failed", report.Failed)
	return report
}

// Status returns when userID last synced; zero when never.
func (r *Reconciler) Status(ctx context.Context, userID string) (Status, error) {
	st := Status{UserID: userID, IsOnline: true}
	doc, err := r.store.Get(ctx, syncStateCollection, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return st, nil
		}
		return Status{}, fmt.Errorf("read sync state: %w", err)
	}
	if v, ok := doc["lastSyncTime"].(float64); ok {
		st.LastSyncTime = int64(v)
	}
	return st, nil
}

func (r *Reconciler) apply(ctx context.Context, tag Operation, op SyncOperation) error {
	if op.decodeErr != nil {
		return apperr.Wrap(apperr.Validation, "invalid operation", op.decodeErr)
	}
	switch tag {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return errUnknownOperation
	}
	if err := r.validate.Struct(op); err != nil {
		return validationError(err)
	}
	collection, err := CollectionFor(op.EntityType)
	if err != nil {
		return err
	}

	if op.EntityType == EntityAttendance {
		return r.applyAttendance(ctx, tag, op)
	}

	switch tag {
	case OpCreate:
		doc := make(docstore.Doc, len(op.EntityData)+3)
		for k, v := range op.EntityData {
			doc[k] = v
		}
		doc["id"] = op.EntityID
		doc["isSynced"] = true
		doc["lastSyncTime"] = r.now().UnixMilli()
		return r.store.Set(ctx, collection, op.EntityID, doc)

	case OpUpdate:
		patch := make(docstore.Doc, len(op.EntityData)+2)
		for k, v := range op.EntityData {
			patch[k] = v
		}
		delete(patch, "id")
		patch["isSynced"] = true
		patch["lastSyncTime"] = r.now().UnixMilli()
		if err := r.store.Update(ctx, collection, op.EntityID, patch); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return apperr.Wrap(apperr.NotFound, "document not found", err)
			}
			return err
		}
		return nil

	default:
		return r.store.Delete(ctx, collection, op.EntityID)
	}
}

// applyAttendance keeps one record per student, course and class. Creates go
// through the same conditional insert as scans, and updates cannot move a
// record to another class.
func (r *Reconciler) applyAttendance(ctx context.Context, tag Operation, op SyncOperation) error {
	if tag == OpCreate {
		_, err := r.attendance.Import(ctx, op.EntityID, op.EntityData)
		return err
	}
	id, err := r.attendance.ResolveRecordID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if tag == OpDelete {
		return r.store.Delete(ctx, attendanceCollection, id)
	}
	patch := make(docstore.Doc, len(op.EntityData)+2)
	for k, v := range op.EntityData {
		patch[k] = v
	}
	for _, k := range attendance.KeyFields {
		delete(patch, k)
	}
	patch["isSynced"] = true
	patch["lastSyncTime"] = r.now().UnixMilli()
	if err := r.store.Update(ctx, attendanceCollection, id, patch); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.Wrap(apperr.NotFound, "document not found", err)
		}
		return err
	}
	return nil
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return apperr.New(apperr.Validation, ve[0].Field()+" is required")
	}
	return apperr.Wrap(apperr.Validation, "invalid operation", err)
}

// metricLabel keeps label cardinality bounded for garbage tags.
func metricLabel(tag Operation) string {
	switch tag {
	case OpCreate, OpUpdate, OpDelete:
		return strings.ToLower(string(tag))
	}
	return "unknown"
}
