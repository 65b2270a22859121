/**
 * @description
 * Cron scheduling for the periodic sweeps: expiring stale session requests,
 * closing lapsed signature windows, and re-driving failed disbursement
 * transfers.
 */

package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 200

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron                 *cron.Cron
	svc                  *Service
	expirySchedule       string
	disbursementSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(svc *Service, expirySchedule, disbursementSchedule string) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:                 c,
		svc:                  svc,
		expirySchedule:       expirySchedule,
		disbursementSchedule: disbursementSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.expirySchedule, s.runExpirySweeps); err != nil {
		log.Printf("level=error component=scheduler job=expiry_sweeps err=%v", err)
	} else {
		log.Printf("level=info component=scheduler job=expiry_sweeps schedule=%q", s.expirySchedule)
	}

	if _, err := s.cron.AddFunc(s.disbursementSchedule, s.runDisbursementRetries); err != nil {
		log.Printf("level=error component=scheduler job=disbursement_retries err=%v", err)
	} else {
		log.Printf("level=info component=scheduler job=disbursement_retries schedule=%q", s.disbursementSchedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runExpirySweeps() {
	ctx := context.Background()
	if _, err := s.svc.ExpireStaleSessionRequests(ctx, sweepBatchSize); err != nil {
		log.Printf("level=error component=scheduler job=expiry_sweeps err=%v", err)
	}
	if _, err := s.svc.ExpireLapsedSignatureRequests(ctx, sweepBatchSize); err != nil {
		log.Printf("level=error component=scheduler job=expiry_sweeps err=%v", err)
	}
}

func (s *Scheduler) runDisbursementRetries() {
	if _, err := s.svc.RetryDueDisbursements(context.Background()); err != nil {
		log.Printf("level=error component=scheduler job=disbursement_retries err=%v", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
