package app

import (
	"context"
	"time"

	"karma/cmd/internal/qr"
)

// runSweeper periodically moves overdue issues to expired until ctx is done.
// Redemption never depends on it.
func runSweeper(ctx context.Context, svc *qr.Service, every time.Duration, batch int, log Logger) {
	if svc == nil || every <= 0 {
		return
	}

	t := time.NewTicker(every)
	defer t.Stop()

	log.Info("qr.sweeper.start", "interval", every.String(), "batch", batch)
	for {
		select {
		case <-ctx.Done():
			log.Info("qr.sweeper.stop")
			return
		case <-t.C:
			sweepCtx, cancel := context.WithTimeout(ctx, every)
			_, err := svc.ExpireStale(sweepCtx, batch)
			cancel()
			if err != nil {
				log.Warn("qr.sweeper.fail", "err", err)
			}
		}
	}
}
