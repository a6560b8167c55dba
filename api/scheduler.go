/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Every materialized balance must equal the sum of its ledger entries.
  The scheduler periodically replays each user's ledger (economy.Verify)
  and reports any user whose balance row has drifted. It never repairs
  anything: a divergence is a bug to investigate, not a number to
  overwrite.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Pages through users by id so a large table is never loaded at once
  - One failing user does not stop the run
  - Results go to the log and to the ledger audit metrics

USAGE:
  auditor := NewAuditScheduler(store, ledger, metrics, log)
  auditor.Start(ctx)
  // ... later
  auditor.Stop()

SEE ALSO:
  - handlers.go: VerifyBalance endpoint (one user, on demand)
  - economy/service.go: Verify
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/metrics"
)

const auditPageSize = 200

// UserLister pages through user ids in ascending order.
type UserLister interface {
	UserIDs(ctx context.Context, after generic.EntityID, limit int) ([]generic.EntityID, error)
}

// AuditReport summarizes one audit run.
type AuditReport struct {
	Checked  int
	Diverged []generic.EntityID
	Failed   int
	Took     time.Duration
}

// AuditScheduler verifies every user's balances on an interval.
type AuditScheduler struct {
	Users         UserLister
	Ledger        *economy.Service
	Metrics       *metrics.Collector
	Log           *zap.Logger
	CheckInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAuditScheduler(users UserLister, ledger *economy.Service, m *metrics.Collector, log *zap.Logger) *AuditScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditScheduler{
		Users:         users,
		Ledger:        ledger,
		Metrics:       m,
		Log:           log,
		CheckInterval: time.Hour,
	}
}

// Start begins the scheduler. A non-positive interval disables it.
func (s *AuditScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CheckInterval <= 0 {
		s.Log.Info("ledger audit disabled")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.Log.Info("ledger audit started", zap.Duration("interval", s.CheckInterval))
}

// Stop cancels the loop and waits for an in-progress run to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
		s.Log.Info("ledger audit stopped")
	}
}

func (s *AuditScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce audits every user once.
func (s *AuditScheduler) RunOnce(ctx context.Context) AuditReport {
	start := time.Now()
	var report AuditReport
	var after generic.EntityID

	for {
		ids, err := s.Users.UserIDs(ctx, after, auditPageSize)
		if err != nil {
			s.Log.Error("ledger audit: list users", zap.Error(err))
			report.Failed++
			break
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			s.verify(ctx, id, &report)
		}
		if len(ids) < auditPageSize || ctx.Err() != nil {
			break
		}
		after = ids[len(ids)-1]
	}

	report.Took = time.Since(start)
	if s.Metrics != nil {
		s.Metrics.RecordAudit(report.Checked-len(report.Diverged)-report.Failed, len(report.Diverged), report.Failed)
	}
	s.Log.Info("ledger audit completed",
		zap.Int("checked", report.Checked),
		zap.Int("diverged", len(report.Diverged)),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.Took))
	return report
}

func (s *AuditScheduler) verify(ctx context.Context, id generic.EntityID, report *AuditReport) {
	report.Checked++
	_, err := s.Ledger.Verify(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, generic.ErrBalanceDiverged):
		report.Diverged = append(report.Diverged, id)
		s.Log.Error("ledger audit: balance diverged", zap.String("user_id", string(id)), zap.Error(err))
	default:
		report.Failed++
		s.Log.Warn("ledger audit: verify failed", zap.String("user_id", string(id)), zap.Error(err))
	}
}
