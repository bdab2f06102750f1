package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

// ServiceKey is where one server instance advertises itself under namespace.
func ServiceKey(namespace, instance string) string {
	return fmt.Sprintf("service:%s:%s", namespace, instance)
}

// ServicePattern matches every ServiceKey in namespace.
func ServicePattern(namespace string) string {
	return fmt.Sprintf("service:%s:*", namespace)
}
