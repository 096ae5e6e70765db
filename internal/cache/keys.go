package cache

import "fmt"

// JobStatusKey is the cached projection of accessKey at generation gen.
func JobStatusKey(accessKey string, gen int64) string {
	return fmt.Sprintf("job:status:%s:%d", accessKey, gen)
}

// JobGenKey holds the cache generation of accessKey, bumped on invalidation.
func JobGenKey(accessKey string) string {
	return fmt.Sprintf("job:gen:%s", accessKey)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func SweepLockKey() string {
	return "lock:recovery-sweep"
}
