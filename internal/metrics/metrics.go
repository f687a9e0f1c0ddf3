package metrics

import (
	"context"

	"codeberg.org/mutker/spectractl/internal/errors"
	"codeberg.org/mutker/spectractl/internal/logger"
	"codeberg.org/mutker/spectractl/internal/publish"
)

type service struct {
	repo Repository
	cfg  Config
	log  logger.Logger
}

type noopRecorder struct{}

// NewService returns the spectra store, or a no-op recorder when storage is
// disabled.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Spectra storage disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo, cfg: cfg, log: log}, nil
}

func (s *service) Record(ctx context.Context, rec *FrameRecord) error {
	errFactory := errors.New()

	if rec == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if err := s.repo.Record(rec); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	return nil
}

func (*noopRecorder) Record(context.Context, *FrameRecord) error { return nil }
func (*noopRecorder) Close() error                               { return nil }

// Consume stores every frame delivered to sub until the subscription closes.
// Record failures are logged and do not stop consumption.
func Consume(ctx context.Context, rec Recorder, sub *publish.Subscription, sessionID string, log logger.Logger) {
	failures := 0
	for f := range sub.C() {
		if err := rec.Record(ctx, NewFrameRecord(sessionID, f)); err != nil {
			failures++
			if failures == 1 || failures%100 == 0 {
				log.Warn().Err(err).Int("failures", failures).Uint64("sequence", f.Sequence).Msg("Failed to store frame")
			}
		}
	}
}
