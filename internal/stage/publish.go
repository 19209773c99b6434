package stage

import (
	"context"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/logging"
)

// GroupPublisher is the registry surface the publish stage needs.
type GroupPublisher interface {
	PublishGroup(ctx context.Context, groupID string) (published int, err error)
}

// PublishRunner is the built-in final stage: it promotes the group's
// finalized products to the published tier through the registry. Failures
// behave like any stage failure, so the group retries with backoff and the
// next attempt picks up only what is still unpublished.
type PublishRunner struct {
	publisher GroupPublisher
	log       *logging.Logger
}

// NewPublishRunner builds the built-in publish stage.
func NewPublishRunner(publisher GroupPublisher, log *logging.Logger) *PublishRunner {
	return &PublishRunner{
		publisher: publisher,
		log:       log.WithComponent("stage").WithStage(config.StagePublish),
	}
}

// Name returns the publish stage name.
func (r *PublishRunner) Name() string {
	return config.StagePublish
}

// Run publishes the group's products.
func (r *PublishRunner) Run(ctx context.Context, req Request) (*Result, error) {
	published, err := r.publisher.PublishGroup(ctx, req.GroupID)
	if err != nil {
		r.log.Warn("group publish incomplete",
			"group_id", req.GroupID,
			"published", published,
			"error", err)
		return &Result{
			OK:    false,
			Error: err.Error(),
			Fatal: errors.IsFatal(err),
		}, nil
	}

	r.log.Info("group products published",
		"group_id", req.GroupID,
		"published", published)
	return &Result{OK: true}, nil
}
