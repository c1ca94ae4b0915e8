// Package announcement stores course announcements and notifies students
// when one is posted.
package announcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"unisync/internal/apperr"
	"unisync/internal/auth"
	"unisync/internal/docstore"
	"unisync/internal/logging"
	"unisync/internal/notify"
)

const collection = "announcements"

var ErrNotFound = apperr.New(apperr.NotFound, "Announcement not found")

// Announcement is a posted message.
type Announcement struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	AuthorID   string  `json:"authorId"`
	AuthorName string  `json:"authorName,omitempty"`
	CourseID   *string `json:"courseId"`
	CourseName *string `json:"courseName"`
	Priority   string  `json:"priority"`
	CreatedAt  int64   `json:"createdAt"`
	IsSynced   bool    `json:"isSynced"`
}

// CreateInput is the body of a create request.
type CreateInput struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	CourseID   string `json:"courseId"`
	CourseName string `json:"courseName"`
	Priority   string `json:"priority"`
}

// Author identifies who posts.
type Author struct {
	ID   string
	Name string
}

// Service creates and lists announcements.
type Service struct {
	store    docstore.Store
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewService wires a service. notifier may be nil.
func NewService(store docstore.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{store: store, notifier: notifier, now: time.Now, logger: logger}
}

// Create stores an announcement and notifies its audience: the course's
// students, or everyone for a general announcement. Notification failures
// never fail the create.
func (s *Service) Create(ctx context.Context, in CreateInput, author Author) (Announcement, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	if in.Title == "" || in.Content == "" {
		return Announcement{}, apperr.New(apperr.Validation, "Title and content are required")
	}
	a := Announcement{
		ID:         uuid.NewString(),
		Title:      in.Title,
		Content:    in.Content,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		CourseID:   optional(in.CourseID),
		CourseName: optional(in.CourseName),
		Priority:   strings.ToUpper(strings.TrimSpace(in.Priority)),
		CreatedAt:  s.now().UnixMilli(),
		IsSynced:   true,
	}
	if a.Priority == "" {
		a.Priority = "NORMAL"
	}
	doc, err := docstore.Encode(a)
	if err != nil {
		return Announcement{}, err
	}
	if err := s.store.Set(ctx, collection, a.ID, doc); err != nil {
		return Announcement{}, fmt.Errorf("save announcement: %w", err)
	}
	s.notify(ctx, a)
	return a, nil
}

func (s *Service) notify(ctx context.Context, a Announcement) {
	if s.notifier == nil {
		return
	}
	target := notify.Everyone()
	data := map[string]any{"type": "ANNOUNCEMENT", "announcementId": a.ID}
	if a.CourseID != nil {
		target = notify.Role(auth.RoleStudent)
		data["courseId"] = *a.CourseID
	}
	scope := "General"
	if a.CourseName != nil {
		scope = *a.CourseName
	}
	if err := s.notifier.Notify(ctx, target, "New Announcement", a.Title+" - "+scope, data); err != nil {
		logging.FromContext(ctx, s.logger).WarnContext(ctx, "announcement notification failed",
			"announcement_id", a.ID, "error", err)
	}
}

// List returns announcements newest first, optionally for one course.
func (s *Service) List(ctx context.Context, courseID string) ([]Announcement, error) {
	q := docstore.Query{Collection: collection, OrderBy: "createdAt", Desc: true}
	if courseID != "" {
		q.Where = []docstore.Filter{docstore.Eq("courseId", courseID)}
	}
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	out := make([]Announcement, 0, len(docs))
	for _, doc := range docs {
		var a Announcement
		if err := docstore.Decode(doc, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Get returns one announcement.
func (s *Service) Get(ctx context.Context, id string) (Announcement, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Announcement{}, ErrNotFound
		}
		return Announcement{}, fmt.Errorf("get announcement: %w", err)
	}
	var a Announcement
	if err := docstore.Decode(doc, &a); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
