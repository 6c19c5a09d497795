package cache

import "fmt"

func KeyTrackingState(jobID string) string {
	return fmt.Sprintf("state:%s", jobID)
}
