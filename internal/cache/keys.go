package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(tenantID, jobID uuid.UUID) string {
	return fmt.Sprintf("job:status:%s:%s", tenantID, jobID)
}

func JobLockKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:lock:%s", jobID)
}
