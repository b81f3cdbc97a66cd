package cache

import "fmt"

// recentAlertsKey builds the cache key for one (user, window) alert query.
func recentAlertsKey(userID string, hours int) string {
	return fmt.Sprintf("callguard:alerts:%s:%dh", userID, hours)
}

// recentAlertsPattern matches every cached window for a user.
func recentAlertsPattern(userID string) string {
	return fmt.Sprintf("callguard:alerts:%s:*", userID)
}
