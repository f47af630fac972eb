package validation

import (
	"strings"
	"testing"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"default user", "default", false},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", false},
		{"with underscore", "team_bot", false},
		{"with dot", "alice.smith", false},
		{"hidden-style", ".alice", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"path traversal", "../../../etc/passwd", true},
		{"slash", "users/alice", true},
		{"backslash", `users\alice`, true},
		{"space", "alice smith", true},
		{"shell metachars", "alice;rm -rf /", true},
		{"unicode", "алиса", true},
		{"too long", strings.Repeat("a", 129), true},
		{"max length", strings.Repeat("a", 128), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateThreadID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "0199a213-81b0-7800-8aab-bc4e8d7b9c2f", false},
		{"prefixed", "th_12345", false},
		{"opaque", "conversations/abc+def=", false},
		{"empty", "", true},
		{"newline", "th_1\n2", true},
		{"control char", "th_1\x00", true},
		{"too long", strings.Repeat("x", 257), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateThreadID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateThreadID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateModel(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		wantErr bool
	}{
		{"empty is default", "", false},
		{"plain", "gpt-5-codex", false},
		{"with slash", "openai/o4-mini", false},
		{"newline", "model\nname", true},
		{"too long", strings.Repeat("m", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModel(tt.model)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModel() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
