package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RecordStatusKey(assetID uuid.UUID) string {
	return fmt.Sprintf("record:%s", assetID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func TenantRequestsKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("quota:req:%s", tenantID)
}

func TenantTokensKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("quota:tok:%s", tenantID)
}

func PollLockKey(jobRef string) string {
	return fmt.Sprintf("poll:%s", jobRef)
}
