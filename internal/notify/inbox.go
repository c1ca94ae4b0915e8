package notify

import (
	"context"
	"errors"
	"fmt"

	"unisync/internal/apperr"
	"unisync/internal/docstore"
)

// ErrEntryNotFound is returned for a missing entry or one owned by another user.
var ErrEntryNotFound = apperr.New(apperr.NotFound, "Notification not found")

// Entry is one inbox item.
type Entry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	IsRead    bool           `json:"isRead"`
}

// Inbox reads and updates a user's entries.
type Inbox struct {
	store docstore.Store
}

// NewInbox creates an inbox over store.
func NewInbox(store docstore.Store) *Inbox {
	return &Inbox{store: store}
}

// List returns userID's entries, newest first.
func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	docs, err := i.store.Query(ctx, docstore.Query{
		Collection: inboxCollection,
		Where:      []docstore.Filter{docstore.Eq("userId", userID)},
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	out := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		var e Entry
		if err := docstore.Decode(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MarkRead flags one of userID's entries as read.
func (i *Inbox) MarkRead(ctx context.Context, userID, id string) error {
	doc, err := i.store.Get(ctx, inboxCollection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrEntryNotFound
		}
		return fmt.Errorf("get inbox entry: %w", err)
	}
	if owner, _ := doc["userId"].(string); owner != userID {
		return ErrEntryNotFound
	}
	return i.store.Update(ctx, inboxCollection, id, docstore.Doc{"isRead": true})
}
