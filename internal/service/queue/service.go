package queue

import (
	"context"
	"fmt"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
)

const DefaultPath = "/api/driver/queue"

// Service manages the driver's membership in the dispatch queue. Every call
// goes to the backend; nothing is cached.
type Service interface {
	// GetQueueStatus returns nil without error when the driver is not queued.
	GetQueueStatus(ctx context.Context) (*model.QueueMembership, error)
	JoinQueue(ctx context.Context) (*model.QueueMembership, error)
	// LeaveQueue succeeds when the driver was not queued.
	LeaveQueue(ctx context.Context) error
}

type service struct {
	client *backend.Client
	path   string
}

func NewService(client *backend.Client, path string) Service {
	if path == "" {
		path = DefaultPath
	}
	return &service{client: client, path: path}
}

func (s *service) GetQueueStatus(ctx context.Context) (*model.QueueMembership, error) {
	var m model.QueueMembership
	err := s.client.Get(ctx, "get_queue_status", s.path, nil, &m)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue status: %w", err)
	}
	return &m, nil
}

func (s *service) JoinQueue(ctx context.Context) (*model.QueueMembership, error) {
	var m model.QueueMembership
	if err := s.client.Post(ctx, "join_queue", s.path, nil, &m); err != nil {
		return nil, fmt.Errorf("failed to join queue: %w", err)
	}
	return &m, nil
}

func (s *service) LeaveQueue(ctx context.Context) error {
	err := s.client.Delete(ctx, "leave_queue", s.path)
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to leave queue: %w", err)
	}
	return nil
}
