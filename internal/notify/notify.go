// Package notify fans notifications out to user inboxes through the queue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"unisync/internal/queue"
)

// Target selects recipients. UserIDs wins over Role; an empty Target means
// every user.
type Target struct {
	Role    string   `json:"role,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`
}

// Everyone targets all users.
func Everyone() Target { return Target{} }

// Role targets every user with role.
func Role(role string) Target { return Target{Role: role} }

// Users targets explicit user ids.
func Users(ids ...string) Target { return Target{UserIDs: ids} }

// Notification is the queued unit of work.
type Notification struct {
	Target Target         `json:"target"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// Notifier sends a notification to a target. Callers treat it as
// fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, target Target, title, body string, data map[string]any) error
}

// QueueNotifier publishes notifications for the worker.
type QueueNotifier struct {
	q queue.Queue
}

// NewQueueNotifier wraps q.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// Notify enqueues a notification. The type is taken from data["type"] when
// set.
func (n *QueueNotifier) Notify(ctx context.Context, target Target, title, body string, data map[string]any) error {
	kind, _ := data["type"].(string)
	raw, err := json.Marshal(Notification{Target: target, Type: kind, Title: title, Body: body, Data: data})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.q.Publish(ctx, queue.Message{Type: queue.TypeNotification, Body: raw}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
