package consent

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the retention check periodically.
type Sweeper struct {
	svc *Service
	log *slog.Logger
}

func NewSweeper(svc *Service, log *slog.Logger) *Sweeper {
	return &Sweeper{svc: svc, log: log}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	report, err := s.svc.CheckRetentionCompliance(ctx)
	if err != nil {
		s.log.Error("Retention sweep failed", "err", err)
		return
	}
	if report.Created > 0 {
		s.log.Info("Retention sweep",
			slog.Int("checked", report.Checked),
			slog.Int("expired", report.Expired),
			slog.Int("created", report.Created),
			slog.Int("skipped", report.Skipped))
		return
	}
	s.log.Debug("Retention sweep", slog.Int("checked", report.Checked), slog.Int("skipped", report.Skipped))
}
