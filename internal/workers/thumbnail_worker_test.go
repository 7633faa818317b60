package workers

import (
	"testing"
	"time"

	"lapser/internal/models"
)

// stallingSource hands out the same pending job and refuses every claim,
// the shape of a claim update failing while the row stays pending.
type stallingSource struct {
	polls  int
	claims int
}

func (s *stallingSource) GetNextJob() (*models.ThumbnailGenerationJob, error) {
	s.polls++
	job := &models.ThumbnailGenerationJob{Status: models.JobStatusPending}
	job.ID = 1
	return job, nil
}

func (s *stallingSource) StartJob(id uint) bool {
	s.claims++
	return false
}

func TestDrainEndsCycleAfterFailedClaim(t *testing.T) {
	src := &stallingSource{}
	w := NewThumbnailWorker(src, nil, time.Second)

	w.drainQueue()

	if src.polls != 1 || src.claims != 1 {
		t.Errorf("expected one poll and one claim attempt this cycle, got %d polls, %d claims",
			src.polls, src.claims)
	}
}
