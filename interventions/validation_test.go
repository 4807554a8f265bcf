package interventions

import (
	"strings"
	"testing"
)

// TestValidateSettings verifies the ranges of the send hour and the
// unanswered deadline and the naming rules.
func TestValidateSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		wantErr  string
	}{
		{
			name:     "defaults inherited",
			settings: Settings{ID: "i1", Name: "Stress"},
		},
		{
			name:     "explicit values",
			settings: Settings{ID: "i1", Name: "Stress", HourToSendMessage: 23, HoursUntilUnanswered: 96},
		},
		{
			name:     "empty ID",
			settings: Settings{Name: "Stress"},
			wantErr:  "ID cannot be empty",
		},
		{
			name:     "blank name",
			settings: Settings{ID: "i1", Name: "  "},
			wantErr:  "name cannot be empty",
		},
		{
			name:     "name too long",
			settings: Settings{ID: "i1", Name: strings.Repeat("x", 201)},
			wantErr:  "200",
		},
		{
			name:     "send hour too large",
			settings: Settings{ID: "i1", Name: "Stress", HourToSendMessage: 24},
			wantErr:  "hour to send message 24",
		},
		{
			name:     "negative deadline",
			settings: Settings{ID: "i1", Name: "Stress", HoursUntilUnanswered: -1},
			wantErr:  "hours until unanswered -1",
		},
		{
			name:     "deadline too large",
			settings: Settings{ID: "i1", Name: "Stress", HoursUntilUnanswered: 97},
			wantErr:  "between 1 and 96",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSettings(tt.settings)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid settings, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

// TestValidateVariableName verifies that system variables cannot be chosen
// as rule targets.
func TestValidateVariableName(t *testing.T) {
	if err := ValidateVariableName("$mood"); err != nil {
		t.Errorf("Expected $mood to be valid, got: %v", err)
	}
	if err := ValidateVariableName("$systemYear"); err == nil {
		t.Error("Expected error for read-only $systemYear, got nil")
	}
	if err := ValidateVariableName("mood"); err == nil {
		t.Error("Expected error for name without '$', got nil")
	}
	if err := ValidateVariableName("$" + strings.Repeat("x", 200)); err == nil {
		t.Error("Expected error for overlong name, got nil")
	}
}
