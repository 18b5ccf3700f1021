package notification

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/model"
)

const basePath = "/api/notifications"

// API is the notification REST surface of the backend.
type API interface {
	List(ctx context.Context, q model.NotificationQuery) (*model.NotificationPage, error)
	MarkAsRead(ctx context.Context, id string) error
	// MarkAllAsRead marks every notification read, or only those of
	// priority when it is not empty.
	MarkAllAsRead(ctx context.Context, priority model.Priority) error
	Delete(ctx context.Context, id string) error
}

type api struct {
	client *backend.Client
}

func NewAPI(client *backend.Client) API {
	return &api{client: client}
}

func (a *api) List(ctx context.Context, q model.NotificationQuery) (*model.NotificationPage, error) {
	params := url.Values{}
	if q.Size > 0 {
		params.Set("size", strconv.Itoa(q.Size))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.Priority != "" {
		params.Set("priority", string(q.Priority))
	}

	var page model.NotificationPage
	if err := a.client.Get(ctx, "list_notifications", basePath, params, &page); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return &page, nil
}

func (a *api) MarkAsRead(ctx context.Context, id string) error {
	path := fmt.Sprintf("%s/%s/read", basePath, url.PathEscape(id))
	if err := a.client.Patch(ctx, "mark_notification_read", path, nil, nil); err != nil {
		return fmt.Errorf("failed to mark notification %s as read: %w", id, err)
	}
	return nil
}

func (a *api) MarkAllAsRead(ctx context.Context, priority model.Priority) error {
	body := map[string]string{}
	if priority != "" {
		body["priority"] = string(priority)
	}
	if err := a.client.Post(ctx, "mark_all_notifications_read", basePath+"/read-all", body, nil); err != nil {
		return fmt.Errorf("failed to mark notifications as read: %w", err)
	}
	return nil
}

func (a *api) Delete(ctx context.Context, id string) error {
	path := fmt.Sprintf("%s/%s", basePath, url.PathEscape(id))
	if err := a.client.Delete(ctx, "delete_notification", path); err != nil {
		return fmt.Errorf("failed to delete notification %s: %w", id, err)
	}
	return nil
}
