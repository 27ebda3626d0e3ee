package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/conversation/models"
	"github.com/novahq/nova/internal/conversation/repository"
)

// Worker drains pending embedding rows in the background. Errored rows are
// retried after a 60s backoff; MarkEmbeddingReady is idempotent so concurrent
// workers are safe.
type Worker struct {
	repo     repository.Repository
	service  Service
	logger   *logger.Logger
	interval time.Duration
	batch    int
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates the embedding worker. service may be nil, in which case
// Start is a no-op and rows stay pending.
func NewWorker(repo repository.Repository, service Service, log *logger.Logger) *Worker {
	return &Worker{
		repo:     repo,
		service:  service,
		logger:   log.WithFields(zap.String("component", "embedding-worker")),
		interval: 5 * time.Second,
		batch:    32,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (w *Worker) Start(ctx context.Context) {
	if w.service == nil {
		w.logger.Info("embeddings not configured, worker disabled")
		close(w.done)
		return
	}
	go w.run(ctx)
}

// Stop signals the loop and waits for it to exit.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce drains one batch of pending/retryable rows. Exposed for tests
// and for synchronous flushing at shutdown.
func (w *Worker) ProcessOnce(ctx context.Context) {
	retryAfter := time.Now().UTC().Add(-retryBackoff)
	rows, err := w.repo.ListEmbeddingsToProcess(ctx, retryAfter, w.batch)
	if err != nil {
		w.logger.WithError(err).Error("failed to list embedding rows")
		return
	}
	for _, row := range rows {
		if err := w.processRow(ctx, row); err != nil {
			w.logger.WithError(err).Warn("embedding row failed",
				zap.String("kind", string(row.Kind)),
				zap.String("parent_id", row.ParentID))
			if markErr := w.repo.MarkEmbeddingError(ctx, row.Kind, row.ParentID, err.Error()); markErr != nil {
				w.logger.WithError(markErr).Error("failed to mark embedding error")
			}
		}
	}
}

func (w *Worker) processRow(ctx context.Context, row *models.Embedding) error {
	text, err := w.parentText(ctx, row)
	if err != nil {
		return err
	}
	if text == "" {
		// Nothing to embed yet (e.g. summary cleared); leave the row pending.
		return nil
	}

	vectors, err := w.service.Embed(ctx, []string{text})
	if err != nil {
		return err
	}
	return w.repo.MarkEmbeddingReady(ctx, row.Kind, row.ParentID, vectors[0],
		w.service.Provider(), w.service.Model(), w.service.Dimensions())
}

func (w *Worker) parentText(ctx context.Context, row *models.Embedding) (string, error) {
	switch row.Kind {
	case models.EmbeddingKindDaySegment:
		segment, err := w.repo.GetDaySegment(ctx, row.UserID, row.ParentID)
		if err != nil {
			return "", err
		}
		return segment.SummaryMarkdown, nil
	case models.EmbeddingKindTranscriptChunk:
		chunk, err := w.repo.GetChunk(ctx, row.UserID, row.ParentID)
		if err != nil {
			return "", err
		}
		return chunk.ContentText, nil
	default:
		return "", nil
	}
}
