package interventions

import (
	"fmt"
	"strings"

	"github.com/liamcoop/coachrules/rules"
)

const (
	MinHourToSendMessage    = 1
	MaxHourToSendMessage    = 23
	MinHoursUntilUnanswered = 1
	MaxHoursUntilUnanswered = 96
	maxNameLength           = 200
)

// ValidateSettings checks intervention settings before they are saved.
// A zero send hour or deadline inherits the engine default.
func ValidateSettings(s Settings) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("intervention ID cannot be empty")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("intervention %s: name cannot be empty", s.ID)
	}
	if len(s.Name) > maxNameLength {
		return fmt.Errorf("intervention %s: name length %d exceeds maximum of %d characters", s.ID, len(s.Name), maxNameLength)
	}

	if s.HourToSendMessage != 0 &&
		(s.HourToSendMessage < MinHourToSendMessage || s.HourToSendMessage > MaxHourToSendMessage) {
		return fmt.Errorf("intervention %s: hour to send message %d must be between %d and %d",
			s.ID, s.HourToSendMessage, MinHourToSendMessage, MaxHourToSendMessage)
	}
	if s.HoursUntilUnanswered != 0 &&
		(s.HoursUntilUnanswered < MinHoursUntilUnanswered || s.HoursUntilUnanswered > MaxHoursUntilUnanswered) {
		return fmt.Errorf("intervention %s: hours until unanswered %d must be between %d and %d",
			s.ID, s.HoursUntilUnanswered, MinHoursUntilUnanswered, MaxHoursUntilUnanswered)
	}

	return nil
}

// ValidateVariableName checks a participant variable name chosen by an
// editor: it must look like $name and may not shadow a system variable.
func ValidateVariableName(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("variable name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	return rules.ValidateVariableName(name)
}
