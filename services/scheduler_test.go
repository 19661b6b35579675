package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"schoolfees_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu        sync.Mutex
	expired   int
	scanned   int
	expireErr error
}

func (f *fakeJobs) ExpireStalePayments(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired++
	return 3, f.expireErr
}

func (f *fakeJobs) ScanReconciliation(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned++
	return 0, nil
}

type fakeArchiver struct {
	days []int
}

func (f *fakeArchiver) ArchiveProcessed(_ context.Context, daysOld int) (*models.WebhookArchive, error) {
	f.days = append(f.days, daysOld)
	return &models.WebhookArchive{StorageKey: "webhooks/archived/x.zip", RecordCount: 2}, nil
}

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	tests := []struct {
		name     string
		cfg      SchedulerConfig
		archiver WebhookArchiver
		entries  int
		wantErr  bool
	}{
		{"all jobs", SchedulerConfig{ExpirySweep: "*/5 * * * *", Reconciliation: "*/15 * * * *", WebhookArchive: "0 2 * * *"}, &fakeArchiver{}, 3, false},
		{"archive without store", SchedulerConfig{ExpirySweep: "*/5 * * * *", Reconciliation: "*/15 * * * *", WebhookArchive: "0 2 * * *"}, nil, 2, false},
		{"disabled reconciliation", SchedulerConfig{ExpirySweep: "@every 1m"}, nil, 1, false},
		{"bad spec", SchedulerConfig{ExpirySweep: "every five minutes"}, nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPaymentScheduler(&fakeJobs{}, tt.archiver, tt.cfg)
			err := s.Start(context.Background())
			defer s.Stop()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.entries, s.Entries())
		})
	}
}

func TestSchedulerJobsCallServices(t *testing.T) {
	jobs := &fakeJobs{expireErr: errors.New("db down")}
	archiver := &fakeArchiver{}
	s := NewPaymentScheduler(jobs, archiver, SchedulerConfig{ArchiveAfterDays: 2})

	s.runJob("expiry_sweep", s.RunExpirySweep)
	s.runJob("reconciliation_scan", s.RunReconciliation)
	s.runJob("webhook_archive", s.RunWebhookArchive)

	assert.Equal(t, 1, jobs.expired)
	assert.Equal(t, 1, jobs.scanned)
	// archive age is raised to the minimum
	assert.Equal(t, []int{MinArchiveAgeDays}, archiver.days)
}

func TestSchedulerSkipsJobsAfterCancel(t *testing.T) {
	jobs := &fakeJobs{}
	s := NewPaymentScheduler(jobs, nil, SchedulerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	cancel()

	s.runJob("expiry_sweep", s.RunExpirySweep)
	assert.Equal(t, 0, jobs.expired)
}
