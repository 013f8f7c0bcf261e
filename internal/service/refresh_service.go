package service

import (
	"context"
	"fmt"
	"log"

	"github.com/clbarnes/CATMAID/internal/jobstore"
)

// RefreshService runs refresh jobs against registered tables.
type RefreshService struct {
	registry interface{ Get(tableID string) *TableService }
}

// NewRefreshService creates a refresh service.
func NewRefreshService(registry interface{ Get(tableID string) *TableService }) *RefreshService {
	return &RefreshService{registry: registry}
}

// ExecuteRefreshJob loads rows for every skeleton of a job through the
// table's result cache and stores them as the job result. The table's own
// rows are left untouched.
func (s *RefreshService) ExecuteRefreshJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.TableID)
	if svc == nil {
		return fmt.Errorf("table not found: %s", job.Params.TableID)
	}
	rc := svc.Table().Cache()

	skeletons := job.Params.SkeletonIDs
	total := len(skeletons)
	if job.Params.Force {
		for _, skid := range skeletons {
			rc.Invalidate(skid)
		}
	}

	store.UpdateJobProgress(jobID, "fetching", 0, total)
	for i, skid := range skeletons {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := rc.Rows(ctx, skid)
		if err != nil {
			return fmt.Errorf("skeleton %d: %w", skid, err)
		}
		if err := store.InsertRows(jobID, rows); err != nil {
			return fmt.Errorf("failed to store rows of skeleton %d: %w", skid, err)
		}

		store.UpdateJobProgress(jobID, "fetching", i+1, total)
	}

	store.UpdateJobProgress(jobID, "done", total, total)
	log.Printf("[RefreshService] job %s loaded %d skeleton(s) for table %s", jobID, total, job.Params.TableID)
	return nil
}
