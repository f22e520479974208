package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Interstitch/MIRA2-sub003/internal/rawstore"
	"go.uber.org/zap"
)

// Reconciler rebuilds the semantic index from the raw frame log in the
// background. It iterates frames by sequence number and persists a
// watermark after each successfully indexed frame, so a crash between two
// frames loses no work and double-processes at most one frame.
// Re-indexing is idempotent: the same frame always maps to the same
// record ID.
type Reconciler struct {
	raw           *rawstore.Store
	index         *Index
	watermarkPath string
	interval      time.Duration
	logger        *zap.Logger

	mu sync.Mutex
}

// NewReconciler creates a reconciler that sweeps every interval. The
// watermark file lives at watermarkPath.
func NewReconciler(raw *rawstore.Store, index *Index, watermarkPath string, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		raw:           raw,
		index:         index,
		watermarkPath: watermarkPath,
		interval:      interval,
		logger:        logger.Named("memory.reconciler"),
	}
}

// Run sweeps immediately, then on every tick until the context ends.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.ReconcileOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("reconciliation sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce performs a single sweep: purge records of tombstoned
// frames, then index every live indexable frame past the watermark.
// Sweeps are serialized; a second concurrent call waits.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.raw.TombstonedIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.index.DeleteFrame(ctx, id); err != nil {
			return fmt.Errorf("purging tombstoned frame %s: %w", id, err)
		}
	}

	watermark := r.loadWatermark()
	var indexed, skipped int

	err := r.raw.Iterate(ctx, watermark+1, func(frame *rawstore.Frame) error {
		if frame.Class.Indexable() {
			if _, err := r.index.IndexFrame(ctx, frame); err != nil {
				if !errors.Is(err, ErrRejected) {
					return fmt.Errorf("indexing frame %s (seq %d): %w", frame.ID, frame.SequenceNo, err)
				}
				skipped++
			} else {
				indexed++
			}
		} else {
			skipped++
		}
		return r.storeWatermark(frame.SequenceNo)
	})
	if err != nil {
		return err
	}

	if indexed > 0 || skipped > 0 {
		r.logger.Info("reconciliation sweep complete",
			zap.Uint64("from_sequence", watermark+1),
			zap.Int("indexed", indexed),
			zap.Int("skipped", skipped),
		)
	}
	return nil
}

// loadWatermark returns the last reconciled sequence number, or zero when
// no watermark exists yet.
func (r *Reconciler) loadWatermark() uint64 {
	data, err := os.ReadFile(r.watermarkPath)
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		r.logger.Warn("malformed watermark file, rebuilding from start",
			zap.String("path", r.watermarkPath))
		return 0
	}
	return seq
}

// storeWatermark durably records the last reconciled sequence number via
// write-then-rename.
func (r *Reconciler) storeWatermark(seq uint64) error {
	tmp := r.watermarkPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0o600); err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}
	if err := os.Rename(tmp, r.watermarkPath); err != nil {
		return fmt.Errorf("committing watermark: %w", err)
	}
	return nil
}

// DefaultWatermarkPath places the watermark inside the raw store
// directory, next to the frame log.
func DefaultWatermarkPath(rawStoreDir string) string {
	return filepath.Join(rawStoreDir, "reconcile.watermark")
}
