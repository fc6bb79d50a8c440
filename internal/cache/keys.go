package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// ChatroomsKey holds a user's chatroom listing. The braces keep the entry and
// its version key in one cluster slot.
func ChatroomsKey(userID uuid.UUID) string {
	return fmt.Sprintf("cache:{chatrooms:%s}", userID)
}

func VersionKey(key string) string {
	return key + ":ver"
}

// RateLimitKey names the counter for one owner in one fixed window bucket.
func RateLimitKey(scope string, ownerID uuid.UUID, bucketStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, ownerID, bucketStart)
}
