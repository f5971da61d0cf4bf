package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/domain/auth"
	"github.com/oxide-admin/server/internal/domain/organization"
)

type testEvent struct{}

func (testEvent) EventName() string { return "test.event" }

// parseEntry extracts the nested "audit" field of one logged line.
func parseEntry(t *testing.T, line string) (map[string]json.RawMessage, Entry) {
	t.Helper()
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &wrapper); err != nil {
		t.Fatalf("Failed to parse logged JSON: %v\nOutput: %s", err, line)
	}
	auditData, ok := wrapper["audit"]
	if !ok {
		t.Fatal("No 'audit' field found in logged JSON")
	}
	var logged Entry
	if err := json.Unmarshal(auditData, &logged); err != nil {
		t.Fatalf("Failed to parse audit entry: %v\nOutput: %s", err, line)
	}
	return wrapper, logged
}

func TestLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	entry := Entry{
		Action:       "role.update",
		Actor:        "alice",
		ResourceType: "role",
		ResourceID:   "editor",
		Status:       StatusSuccess,
	}
	logger.Log(entry)

	wrapper, logged := parseEntry(t, buf.String())
	if logged.Action != entry.Action {
		t.Errorf("Action mismatch: got %s, want %s", logged.Action, entry.Action)
	}
	if logged.Actor != entry.Actor {
		t.Errorf("Actor mismatch: got %s, want %s", logged.Actor, entry.Actor)
	}
	if logged.ResourceID != entry.ResourceID {
		t.Errorf("ResourceID mismatch: got %s, want %s", logged.ResourceID, entry.ResourceID)
	}
	if string(wrapper["component"]) != `"audit"` {
		t.Errorf("expected component audit, got %s", wrapper["component"])
	}
	if string(wrapper["level"]) != `"info"` {
		t.Errorf("expected info level, got %s", wrapper["level"])
	}
}

func TestLogger_LogSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.LogSuccess("user.create", "admin", "user", "u-1", map[string]string{"name": "Ann"})

	_, logged := parseEntry(t, buf.String())
	if logged.Status != StatusSuccess {
		t.Errorf("Status mismatch: got %s, want success", logged.Status)
	}
	if logged.Details["name"] != "Ann" {
		t.Errorf("Details mismatch: got %v", logged.Details)
	}
}

func TestLogger_LogFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.LogFailure("auth.login", "mallory", map[string]string{"reason": "bad password"})

	wrapper, logged := parseEntry(t, buf.String())
	if logged.Status != StatusFailure {
		t.Errorf("Status mismatch: got %s, want failure", logged.Status)
	}
	if string(wrapper["level"]) != `"warn"` {
		t.Errorf("expected warn level for failures, got %s", wrapper["level"])
	}
}

func TestLogger_AutoTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	logger.Log(Entry{Action: "user.delete", Status: StatusSuccess})

	_, logged := parseEntry(t, buf.String())
	if !logged.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp mismatch: got %v, want %v", logged.Timestamp, fixed)
	}
}

func TestEntry_JSONSerialization(t *testing.T) {
	data, err := json.Marshal(Entry{Action: "role.delete", Status: StatusSuccess})
	if err != nil {
		t.Fatalf("Failed to marshal entry: %v", err)
	}
	for _, omitted := range []string{"actor", "resource_type", "resource_id", "details"} {
		if strings.Contains(string(data), omitted) {
			t.Errorf("expected %q to be omitted, got %s", omitted, data)
		}
	}
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event interface{ EventName() string }
		want  []Entry
	}{
		{
			name:  "users created",
			event: organization.UsersCreated{Items: []organization.User{{ID: "u1", Name: "Ann"}, {ID: "u2", Name: "Ben"}}},
			want: []Entry{
				{Action: "user.create", ResourceType: "user", ResourceID: "u1", Status: StatusSuccess, Details: map[string]string{"name": "Ann"}},
				{Action: "user.create", ResourceType: "user", ResourceID: "u2", Status: StatusSuccess, Details: map[string]string{"name": "Ben"}},
			},
		},
		{
			name: "user renamed",
			event: organization.UsersUpdated{Items: []organization.UserChange{{
				Before: organization.User{ID: "u1", Name: "Ann", Portrait: "a.png"},
				After:  organization.User{ID: "u1", Name: "Anna", Portrait: "a.png"},
			}}},
			want: []Entry{
				{Action: "user.update", ResourceType: "user", ResourceID: "u1", Status: StatusSuccess, Details: map[string]string{"name": "Ann -> Anna"}},
			},
		},
		{
			name:  "roles deleted",
			event: organization.RolesDeleted{Items: []organization.Role{{ID: "r1", Name: "editor"}}},
			want: []Entry{
				{Action: "role.delete", ResourceType: "role", ResourceID: "r1", Status: StatusSuccess, Details: map[string]string{"name": "editor"}},
			},
		},
		{
			name:  "login",
			event: auth.UserLoginSucceeded{UserID: "u1", At: at},
			want: []Entry{
				{Timestamp: at, Action: "auth.login", Actor: "u1", ResourceType: "session", ResourceID: "u1", Status: StatusSuccess},
			},
		},
		{
			name:  "unrelated event",
			event: testEvent{},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromEvent(tt.event)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d: %+v", len(tt.want), len(got), got)
			}
			for i := range got {
				gotJSON, _ := json.Marshal(got[i])
				wantJSON, _ := json.Marshal(tt.want[i])
				if string(gotJSON) != string(wantJSON) {
					t.Errorf("entry %d:\n got  %s\n want %s", i, gotJSON, wantJSON)
				}
			}
		})
	}
}

func TestUserDiff_NoChanges(t *testing.T) {
	u := organization.User{ID: "u1", Name: "Ann"}
	if d := userDiff(organization.UserChange{Before: u, After: u}); d != nil {
		t.Errorf("expected nil details, got %v", d)
	}
}
