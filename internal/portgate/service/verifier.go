package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/audit"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
)

// AuditVerifier re-walks the audit hash chain on a cron schedule. It keeps
// a checkpoint of the last verified entry, so most runs only read entries
// appended since the previous one; every FullEvery-th run starts again from
// the first entry and so also catches edits behind the checkpoint. A break
// is logged at error level and stays in the report until the process
// restarts.
type AuditVerifier struct {
	store     store.Store
	schedule  string
	batch     int
	fullEvery int
	logger    *slog.Logger
	clock     func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	runs     int
	lastID   int64
	lastHash []byte
	report   Report
}

type Report struct {
	OK             bool      `json:"ok"`
	CheckedThrough int64     `json:"checked_through"`
	Verified       int       `json:"verified"`
	Full           bool      `json:"full"`
	BrokenAt       int64     `json:"broken_at,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

type VerifierConfig struct {
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@every 10m". Empty disables scheduled runs.
	Schedule string

	// BatchSize is how many entries are read per store snapshot. Defaults
	// to 500.
	BatchSize int

	// FullEvery makes every n-th run walk the whole chain from the first
	// entry. Defaults to 6; 1 makes every run a full walk.
	FullEvery int
}

// NewAuditVerifier creates a verifier but does not start it.
// Call Start to schedule it.
func NewAuditVerifier(s store.Store, cfg VerifierConfig, logger *slog.Logger) *AuditVerifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FullEvery <= 0 {
		cfg.FullEvery = 6
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuditVerifier{
		store:     s,
		schedule:  cfg.Schedule,
		batch:     cfg.BatchSize,
		fullEvery: cfg.FullEvery,
		logger:    logger,
		clock:     time.Now,
		report:    Report{OK: true},
	}
}

// Start runs one verification immediately, then on the schedule. Scheduled
// runs stop when ctx is cancelled or Stop is called.
func (v *AuditVerifier) Start(ctx context.Context) error {
	if v.schedule == "" {
		v.logger.Info("audit verifier schedule disabled")
		return nil
	}

	v.cron = cron.New()
	if _, err := v.cron.AddFunc(v.schedule, func() {
		if _, err := v.VerifyNow(ctx); err != nil && ctx.Err() == nil {
			v.logger.Error("audit verification failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("audit verifier schedule %q: %w", v.schedule, err)
	}

	if _, err := v.VerifyNow(ctx); err != nil {
		v.logger.Error("audit verification failed", "err", err)
	}
	v.cron.Start()
	v.logger.Info("audit verifier started", "schedule", v.schedule)

	go func() {
		<-ctx.Done()
		v.Stop()
	}()
	return nil
}

// Stop cancels future runs and waits for a running one to finish.
func (v *AuditVerifier) Stop() {
	if v.cron == nil {
		return
	}
	<-v.cron.Stop().Done()
}

// Last returns the most recent report.
func (v *AuditVerifier) Last() Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.report
}

// VerifyNow verifies every entry appended since the last checkpoint, or
// the whole chain when this run is due for a full walk. The error is
// non-nil when the chain is broken or the store cannot be read.
func (v *AuditVerifier) VerifyNow(ctx context.Context) (Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.runs++
	return v.verify(ctx, v.runs%v.fullEvery == 0)
}

// VerifyFull walks the whole chain from the first entry regardless of the
// checkpoint.
func (v *AuditVerifier) VerifyFull(ctx context.Context) (Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.runs++
	return v.verify(ctx, true)
}

func (v *AuditVerifier) verify(ctx context.Context, full bool) (Report, error) {
	if !v.report.OK && v.report.BrokenAt != 0 {
		v.report.At = v.clock().UTC()
		return v.report, fmt.Errorf("%w at entry %d", audit.ErrChainBroken, v.report.BrokenAt)
	}

	checkpoint := v.lastID
	fromID, fromHash := v.lastID, v.lastHash
	if full {
		fromID, fromHash = 0, nil
	}

	verified := 0
	for {
		var n int
		err := v.store.View(ctx, func(r store.Reader) error {
			entries, err := r.AuditAfter(ctx, fromID, v.batch)
			if err != nil {
				return err
			}
			n = len(entries)
			if n == 0 {
				return nil
			}
			if badID, err := audit.Verify(fromHash, entries); err != nil {
				v.report = Report{
					OK:             false,
					CheckedThrough: fromID,
					Verified:       verified,
					Full:           full,
					BrokenAt:       badID,
					Error:          err.Error(),
					At:             v.clock().UTC(),
				}
				return err
			}
			last := entries[len(entries)-1]
			fromID, fromHash = last.ID, last.Hash
			verified += len(entries)
			return nil
		})
		if err != nil {
			if !v.report.OK {
				v.logger.Error("audit chain broken", "entry_id", v.report.BrokenAt, "full", full, "err", err)
				return v.report, err
			}
			return v.report, storeError("VerifyAudit", err)
		}
		if n < v.batch {
			break
		}
	}

	// A full walk that ends short of the checkpoint means entries already
	// verified have since disappeared.
	if full && fromID < checkpoint {
		err := fmt.Errorf("%w: log ends at entry %d, entries through %d were verified before", audit.ErrChainBroken, fromID, checkpoint)
		v.report = Report{
			OK:             false,
			CheckedThrough: fromID,
			Verified:       verified,
			Full:           true,
			BrokenAt:       fromID + 1,
			Error:          err.Error(),
			At:             v.clock().UTC(),
		}
		v.logger.Error("audit chain broken", "entry_id", v.report.BrokenAt, "full", true, "err", err)
		return v.report, err
	}

	v.lastID, v.lastHash = fromID, fromHash
	v.report = Report{OK: true, CheckedThrough: v.lastID, Verified: verified, Full: full, At: v.clock().UTC()}
	if verified > 0 {
		v.logger.Debug("audit chain verified", "through", v.lastID, "entries", verified, "full", full)
	}
	return v.report, nil
}
