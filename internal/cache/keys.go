package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(uid uuid.UUID) string {
	return fmt.Sprintf("nedrex:job:%s", uid)
}

func RateLimitKey(subject string) string {
	return fmt.Sprintf("nedrex:ratelimit:%s", subject)
}

func LockKey(jobType string) string {
	return fmt.Sprintf("nedrex:lock:jobs:%s", jobType)
}
