package ratelimit

import "fmt"

// KeyFor builds the limiter key for a user action.
func KeyFor(action Action, userID int64) string {
	if userID == 0 || action == "" {
		return ""
	}
	return fmt.Sprintf("%s:u:%d", action, userID)
}
