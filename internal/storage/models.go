package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Rewrite is an accepted rewrite together with the request that produced it.
type Rewrite struct {
	ID            string
	Fingerprint   string
	CreatedAt     time.Time
	Question      string
	Answer        string
	Subject       string
	QuestionType  string
	GradeLevel    string
	Style         string
	Text          string
	Model         string
	Tier          string
	QualityScore  *float64
	LowConfidence bool
	Attempts      int
	Cost          float64
	CallbackURL   string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
