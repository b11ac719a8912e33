package models

import (
	"time"
)

// RetryJob represents a scheduled retry of the unpaid legs of a settling intent
type RetryJob struct {
	IntentID    string
	Kind        Kind
	RetryCount  int
	NextAttempt time.Time
	ErrorType   string // Type of error that caused the retry
}
