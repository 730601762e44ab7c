package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
)

// RunOnce performs a single pipeline pass: one poll cycle per source, then
// one lifecycle scan. It takes the same lock as the long-running mode so it
// cannot race a daemon over the same vault.
func RunOnce(ctx context.Context, vaultRoot string, cfg config.Config, opts Options) error {
	d, err := newDaemon(vaultRoot, cfg, opts, os.Stdout, nil)
	if err != nil {
		return err
	}
	d.ticker.Stop()

	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("orchestrator lock: %w", err)
	}
	defer d.cleanup()

	if err := d.initPipeline(); err != nil {
		return err
	}
	defer func() {
		if d.relaySrv != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			d.relaySrv.Stop(stopCtx)
		}
	}()

	for _, p := range d.pollers {
		if err := p.Cycle(ctx); err != nil {
			d.log(config.LogLevelWarn, "cycle_failed error=%v", err)
		}
	}
	return d.proc.Scan(ctx)
}
