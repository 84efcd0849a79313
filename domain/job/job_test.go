package job_test

import (
	"testing"

	"github.com/artpar/credmeter/domain/job"
)

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		name              string
		completed, failed int64
		want              job.Status
	}{
		{"all completed", 4, 0, job.StatusCompleted},
		{"zero units", 0, 0, job.StatusCompleted},
		{"mixed", 3, 1, job.StatusPartial},
		{"all failed", 0, 4, job.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := job.OutcomeStatus(tt.completed, tt.failed); got != tt.want {
				t.Errorf("OutcomeStatus(%d, %d) = %s, want %s", tt.completed, tt.failed, got, tt.want)
			}
		})
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to job.Status
		want     bool
	}{
		{job.StatusPending, job.StatusCharged, true},
		{job.StatusPending, job.StatusFailed, true},
		{job.StatusPending, job.StatusCompleted, false},
		{job.StatusCharged, job.StatusCompleted, true},
		{job.StatusCharged, job.StatusPartial, true},
		{job.StatusCharged, job.StatusFailed, true},
		{job.StatusCharged, job.StatusPending, false},
		{job.StatusCompleted, job.StatusFailed, false},
		{job.StatusFailed, job.StatusCharged, false},
		{job.StatusPartial, job.StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := job.ValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSettled(t *testing.T) {
	tests := []struct {
		status job.Status
		want   bool
	}{
		{job.StatusPending, false},
		{job.StatusCharged, false},
		{job.StatusCompleted, true},
		{job.StatusPartial, true},
		{job.StatusFailed, true},
	}

	for _, tt := range tests {
		j := job.Job{Status: tt.status}
		if j.Settled() != tt.want {
			t.Errorf("Settled() with %s = %v, want %v", tt.status, j.Settled(), tt.want)
		}
	}
}

func TestRefunded(t *testing.T) {
	if (job.Job{}).Refunded() {
		t.Error("zero job must not be refunded")
	}
	if !(job.Job{CreditRefunded: 10}).Refunded() {
		t.Error("job with refunded credits must report Refunded")
	}
}
