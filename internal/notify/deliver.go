package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"unisync/internal/docstore"
	"unisync/internal/logging"
	"unisync/internal/metrics"
	"unisync/internal/queue"
)

const (
	inboxCollection = "notifications"
	userCollection  = "users"
)

// Deliverer resolves targets and writes one inbox entry per recipient.
type Deliverer struct {
	store  docstore.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewDeliverer creates a deliverer writing to store.
func NewDeliverer(store docstore.Store, logger *slog.Logger) *Deliverer {
	return &Deliverer{store: store, now: time.Now, logger: logger}
}

// Handle processes one queue message. Messages of other types are ignored.
func (d *Deliverer) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeNotification {
		return nil
	}
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		metrics.NotificationsDelivered.WithLabelValues("dropped").Inc()
		return fmt.Errorf("decode notification: %w", err)
	}
	_, err := d.Deliver(ctx, n)
	return err
}

// Deliver writes inbox entries and returns how many were written. A failed
// write is logged and does not stop the remaining recipients.
func (d *Deliverer) Deliver(ctx context.Context, n Notification) (int, error) {
	log := logging.FromContext(ctx, d.logger)
	recipients, err := d.recipients(ctx, n.Target)
	if err != nil {
		return 0, err
	}
	created := d.now().UnixMilli()
	written := 0
	for _, userID := range recipients {
		entry := Entry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      n.Type,
			Title:     n.Title,
			Body:      n.Body,
			Data:      n.Data,
			CreatedAt: created,
		}
		doc, err := docstore.Encode(entry)
		if err == nil {
			err = d.store.Set(ctx, inboxCollection, entry.ID, doc)
		}
		if err != nil {
			metrics.NotificationsDelivered.WithLabelValues("failed").Inc()
			log.WarnContext(ctx, "inbox write failed", "user_id", userID, "error", err)
			continue
		}
		metrics.NotificationsDelivered.WithLabelValues("success").Inc()
		written++
	}
	log.InfoContext(ctx, "notification delivered", "title", n.Title, "recipients", len(recipients), "written", written)
	return written, nil
}

func (d *Deliverer) recipients(ctx context.Context, t Target) ([]string, error) {
	if len(t.UserIDs) > 0 {
		return dedupe(t.UserIDs), nil
	}
	q := docstore.Query{Collection: userCollection}
	if t.Role != "" {
		q.Where = []docstore.Filter{docstore.Eq("role", t.Role)}
	}
	users, err := d.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if id, ok := u["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
