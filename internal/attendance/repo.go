package attendance

import (
	"context"
	"errors"
	"fmt"

	"unisync/internal/docstore"
)

const (
	tokenCollection  = "qrCodes"
	recordCollection = "attendance"
)

// Repository persists tokens and attendance records in the document store.
type Repository struct {
	store docstore.Store
}

// NewRepository creates a repo.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

// SaveToken writes a token at its id.
func (r *Repository) SaveToken(ctx context.Context, tok Token) error {
	doc, err := docstore.Encode(tok)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, tokenCollection, tok.ID, doc)
}

// GetToken returns the token with id, or nil when there is none.
func (r *Repository) GetToken(ctx context.Context, id string) (*Token, error) {
	doc, err := r.store.Get(ctx, tokenCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	var tok Token
	if err := docstore.Decode(doc, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// FindRecord returns the record for a (student, course, class) triple, or nil.
func (r *Repository) FindRecord(ctx context.Context, studentID, courseID string, classDate int64) (*Record, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: recordCollection,
		Where: []docstore.Filter{
			docstore.Eq("studentId", studentID),
			docstore.Eq("courseId", courseID),
			docstore.Eq("classDate", classDate),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var rec Record
	if err := docstore.Decode(docs[0], &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResolveRecordID returns id when a record is stored under it, else the id
// of the record a client created offline as id, else id itself.
func (r *Repository) ResolveRecordID(ctx context.Context, id string) (string, error) {
	if _, err := r.store.Get(ctx, recordCollection, id); err == nil {
		return id, nil
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return "", fmt.Errorf("get record: %w", err)
	}
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: recordCollection,
		Where:      []docstore.Filter{docstore.Eq("clientId", id)},
		Limit:      1,
	})
	if err != nil {
		return "", fmt.Errorf("resolve record: %w", err)
	}
	if len(docs) == 0 {
		return id, nil
	}
	if stored, ok := docs[0]["id"].(string); ok {
		return stored, nil
	}
	return id, nil
}

// InsertRecord writes rec only if its id is free; docstore.ErrExists
// otherwise.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) error {
	doc, err := docstore.Encode(rec)
	if err != nil {
		return err
	}
	return r.store.Create(ctx, recordCollection, rec.ID, doc)
}

// ListRecords returns records matching the non-empty filter fields, newest
// mark first.
func (r *Repository) ListRecords(ctx context.Context, f Filter) ([]Record, error) {
	q := docstore.Query{Collection: recordCollection, OrderBy: "markedAt", Desc: true}
	if f.StudentID != "" {
		q.Where = append(q.Where, docstore.Eq("studentId", f.StudentID))
	}
	if f.CourseID != "" {
		q.Where = append(q.Where, docstore.Eq("courseId", f.CourseID))
	}
	if f.Limit > 0 {
		q.Limit = f.Limit
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	res := make([]Record, 0, len(docs))
	for _, doc := range docs {
		var rec Record
		if err := docstore.Decode(doc, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}
