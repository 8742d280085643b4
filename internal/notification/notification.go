// Package notification is the persistence side of delivery: reading the
// record a task points at and writing back its delivery status.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no record exists for an ID.
var ErrNotFound = errors.New("notification: not found")

// ErrInvalidStatus is returned by UpdateStatus for an unknown status.
var ErrInvalidStatus = errors.New("notification: invalid status")

// Status is the delivery state visible to API clients.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Notification is one outbound message and its delivery outcome.
type Notification struct {
	ID           string     `gorm:"column:id;primaryKey" json:"id"`
	Channel      string     `gorm:"column:channel;index" json:"channel"`
	Recipient    string     `gorm:"column:recipient" json:"recipient"`
	Subject      string     `gorm:"column:subject" json:"subject,omitempty"`
	Body         string     `gorm:"column:body" json:"body"`
	Status       Status     `gorm:"column:status;index" json:"status"`
	ErrorMessage string     `gorm:"column:error_message" json:"error_message,omitempty"`
	SentAt       *time.Time `gorm:"column:sent_at" json:"sent_at,omitempty"`
	FailedAt     *time.Time `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName pins the table name regardless of naming strategy.
func (Notification) TableName() string { return "notification" }

// Repository is the persistence collaborator used by the worker pool.
// Implementations must allow concurrent writes to different records.
type Repository interface {
	// Get returns ErrNotFound when the record does not exist.
	Get(ctx context.Context, id string) (*Notification, error)
	// UpdateStatus records a transition. at becomes sent_at for StatusSent
	// and failed_at for StatusFailed; errMsg is stored only for StatusFailed.
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time, errMsg string) error
}

// apply mutates n in place the way UpdateStatus describes.
func apply(n *Notification, status Status, at time.Time, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	n.Status = status
	n.UpdatedAt = at
	switch status {
	case StatusSent:
		t := at
		n.SentAt = &t
		n.ErrorMessage = ""
	case StatusFailed:
		t := at
		n.FailedAt = &t
		n.ErrorMessage = errMsg
	}
	return nil
}
