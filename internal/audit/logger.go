// Package audit records administrative changes as structured log entries.
package audit

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/domain/auth"
	"github.com/oxide-admin/server/internal/domain/organization"
	"github.com/oxide-admin/server/internal/eventbus"
)

// Entry represents a single audit log entry with structured fields
type Entry struct {
	Timestamp    time.Time         `json:"timestamp"`
	Action       string            `json:"action"`
	Actor        string            `json:"actor,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Status       string            `json:"status"` // "success" or "failure"
	Details      map[string]string `json:"details,omitempty"`
}

// Logger writes audit entries under the "audit" key of a zerolog event.
type Logger struct {
	output zerolog.Logger
	now    func() time.Time
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		output: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Log writes an audit entry. A zero timestamp is set to the current time.
func (l *Logger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	evt := l.output.Info()
	if entry.Status == StatusFailure {
		evt = l.output.Warn()
	}
	evt.Interface("audit", entry).Msg(entry.Action)
}

// LogSuccess logs a successful operation
func (l *Logger) LogSuccess(action, actor, resourceType, resourceID string, details map[string]string) {
	l.Log(Entry{
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       StatusSuccess,
		Details:      details,
	})
}

// LogFailure logs a failed operation
func (l *Logger) LogFailure(action, actor string, details map[string]string) {
	l.Log(Entry{
		Action:  action,
		Actor:   actor,
		Status:  StatusFailure,
		Details: details,
	})
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// FromEvent turns a user, role or session event into one entry per affected resource.
// Events outside those domains yield nothing.
func FromEvent(event eventbus.Event) []Entry {
	var entries []Entry
	add := func(action, resourceType, id string, details map[string]string) {
		entries = append(entries, Entry{
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   id,
			Status:       StatusSuccess,
			Details:      details,
		})
	}

	switch e := event.(type) {
	case organization.UsersCreated:
		for _, u := range e.Items {
			add("user.create", "user", u.ID, map[string]string{"name": u.Name})
		}
	case organization.UsersUpdated:
		for _, c := range e.Items {
			add("user.update", "user", c.After.ID, userDiff(c))
		}
	case organization.UsersDeleted:
		for _, u := range e.Items {
			add("user.delete", "user", u.ID, map[string]string{"name": u.Name})
		}
	case organization.RolesCreated:
		for _, r := range e.Items {
			add("role.create", "role", r.ID, map[string]string{"name": r.Name})
		}
	case organization.RolesUpdated:
		for _, r := range e.Items {
			add("role.update", "role", r.ID, map[string]string{"name": r.Name})
		}
	case organization.RolesDeleted:
		for _, r := range e.Items {
			add("role.delete", "role", r.ID, map[string]string{"name": r.Name})
		}
	case auth.UserLoginSucceeded:
		entries = append(entries, sessionEntry("auth.login", e.UserID, e.At))
	case auth.UserLogoutSucceeded:
		entries = append(entries, sessionEntry("auth.logout", e.UserID, e.At))
	}
	return entries
}

func sessionEntry(action, userID string, at time.Time) Entry {
	return Entry{
		Timestamp:    at.UTC(),
		Action:       action,
		Actor:        userID,
		ResourceType: "session",
		ResourceID:   userID,
		Status:       StatusSuccess,
	}
}

// userDiff lists the fields that changed as "old -> new".
func userDiff(c organization.UserChange) map[string]string {
	details := map[string]string{}
	if c.Before.Name != c.After.Name {
		details["name"] = c.Before.Name + " -> " + c.After.Name
	}
	if c.Before.Portrait != c.After.Portrait {
		details["portrait"] = c.Before.Portrait + " -> " + c.After.Portrait
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
