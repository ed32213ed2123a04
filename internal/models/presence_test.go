package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPresenceStatus_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		status PresenceStatus
		want   bool
	}{
		{"online is valid", StatusOnline, true},
		{"idle is valid", StatusIdle, true},
		{"dnd is valid", StatusDND, true},
		{"offline is valid", StatusOffline, true},
		{"unknown is valid", StatusUnknown, true},
		{"empty string is invalid", "", false},
		{"random string is invalid", "invisible", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.want {
				t.Errorf("PresenceStatus.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActivityType_String(t *testing.T) {
	if ActivityListening.String() != "listening" {
		t.Errorf("Expected listening, got %s", ActivityListening.String())
	}
	if got := ActivityType(5).String(); got != "unknown(5)" {
		t.Errorf("Expected unknown(5), got %s", got)
	}
	if ActivityType(5).Known() {
		t.Error("Expected type 5 to be outside the known set")
	}
}

func TestPresenceRecord_Validate(t *testing.T) {
	p := PresenceRecord{UserID: "42", Status: StatusIdle}
	if err := p.Validate(); err != nil {
		t.Errorf("Expected valid presence, got %v", err)
	}

	p.UserID = ""
	if err := p.Validate(); err == nil {
		t.Error("Expected error for empty user id")
	}

	p = PresenceRecord{UserID: "42", Status: "bogus"}
	if err := p.Validate(); err == nil {
		t.Error("Expected error for invalid status")
	}
}

func TestPresenceRecord_InContext(t *testing.T) {
	ctxID := "guild-1"
	p := PresenceRecord{UserID: "42", ContextID: &ctxID}

	if !p.InContext("") {
		t.Error("Expected empty context to match")
	}
	if !p.InContext("guild-1") {
		t.Error("Expected same context to match")
	}
	if p.InContext("guild-2") {
		t.Error("Expected other context not to match")
	}

	p.ContextID = nil
	if p.InContext("guild-1") {
		t.Error("Expected record without context not to match a specific context")
	}
}

func TestOfflinePresence_JSONShape(t *testing.T) {
	p := OfflinePresence("7", "")

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	s := string(data)

	for _, want := range []string{`"activities":[]`, `"lastSeen":null`, `"contextId":null`, `"status":"offline"`, `"spotify":null`} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %s in %s", want, s)
		}
	}

	withCtx := OfflinePresence("7", "g1")
	if withCtx.ContextID == nil || *withCtx.ContextID != "g1" {
		t.Errorf("Expected context g1, got %v", withCtx.ContextID)
	}
}

func TestPresenceUpdate_FlattensRecord(t *testing.T) {
	u := PresenceUpdate{
		PresenceRecord: PresenceRecord{UserID: "42", Status: StatusIdle, Activities: []ActivityRecord{}},
		Timestamp:      1700000000000,
	}
	data, _ := json.Marshal(u)

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if m["userId"] != "42" || m["status"] != "idle" {
		t.Errorf("Unexpected payload: %s", data)
	}
	if m["timestamp"].(float64) != 1700000000000 {
		t.Errorf("Unexpected timestamp: %v", m["timestamp"])
	}
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Now()
	e := NewCacheEntry("v", now)

	if e.Expired(now.Add(4*time.Minute), 5*time.Minute) {
		t.Error("Expected entry to be fresh before ttl")
	}
	if !e.Expired(now.Add(5*time.Minute), 5*time.Minute) {
		t.Error("Expected entry to be expired at ttl")
	}
	if e.Expired(now.Add(time.Hour), 0) {
		t.Error("Expected zero ttl to never expire")
	}
}

func TestNewUserView_DefaultsActivities(t *testing.T) {
	v := NewUserView(UserRecord{ID: "7"}, PresenceRecord{UserID: "7", Status: StatusOffline})
	if v.Activities == nil {
		t.Error("Expected non-nil activities")
	}
	if v.KV == nil {
		t.Error("Expected non-nil kv")
	}
	if v.User.ID != "7" {
		t.Errorf("Expected user 7, got %s", v.User.ID)
	}
}
