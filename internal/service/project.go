package service

import (
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/coalesce"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

// ProjectService batches project metadata writes.
type ProjectService struct {
	queue  *coalesce.Queue
	write  coalesce.WriteFunc
	logger *logger.Logger
}

// NewProjectService creates a project service that routes every write through queue.
func NewProjectService(queue *coalesce.Queue, write coalesce.WriteFunc, log *logger.Logger) *ProjectService {
	return &ProjectService{
		queue:  queue,
		write:  write,
		logger: logger.OrGlobal(log).Named("projects"),
	}
}

// Update schedules a partial update of the project. The returned channel is closed
// once the batched write has settled; it does not say whether the write succeeded.
func (s *ProjectService) Update(projectID string, payload map[string]any) <-chan struct{} {
	s.logger.Debug("project update queued",
		zap.String("project_id", projectID),
		zap.Int("fields", len(payload)),
	)
	return s.queue.Enqueue(s.write, projectID, payload)
}
