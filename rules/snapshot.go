package rules

import (
	"sort"
	"strings"
	"time"
)

// Read-only variables computed by the engine for every snapshot.
const (
	VarSystemDayInWeek              = "$systemDayInWeek"
	VarSystemDayOfMonth             = "$systemDayOfMonth"
	VarSystemMonth                  = "$systemMonth"
	VarSystemYear                   = "$systemYear"
	VarParticipantParticipationDays = "$participantParticipationInDays"
	VarParticipantMessageReply      = "$participantMessageReply"
)

var readOnlyVariables = map[string]struct{}{
	VarSystemDayInWeek:              {},
	VarSystemDayOfMonth:             {},
	VarSystemMonth:                  {},
	VarSystemYear:                   {},
	VarParticipantParticipationDays: {},
	VarParticipantMessageReply:      {},
}

// IsReadOnlyVariable reports whether rules may not write to name.
func IsReadOnlyVariable(name string) bool {
	_, ok := readOnlyVariables[normalizeName(name)]
	return ok
}

// Snapshot is an immutable view of one participant's variables taken at the
// start of an evaluation pass. Writes made by a walk are buffered as
// directives and never show up in the snapshot they were computed from.
type Snapshot struct {
	values map[string]string
	at     time.Time
}

// NewSnapshot copies values. Names are stored with a leading '$'.
func NewSnapshot(values map[string]string, at time.Time) Snapshot {
	copied := make(map[string]string, len(values))
	for name, value := range values {
		copied[normalizeName(name)] = value
	}
	return Snapshot{values: copied, at: at}
}

// Lookup returns the value of name, with or without its '$' prefix.
func (s Snapshot) Lookup(name string) (string, bool) {
	v, ok := s.values[normalizeName(name)]
	return v, ok
}

// At is the evaluation time the snapshot was taken for.
func (s Snapshot) At() time.Time {
	return s.at
}

// Len returns the number of variables.
func (s Snapshot) Len() int {
	return len(s.values)
}

// Names returns the sorted variable names.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of the variables.
func (s Snapshot) Values() map[string]string {
	copied := make(map[string]string, len(s.values))
	for name, value := range s.values {
		copied[name] = value
	}
	return copied
}

// With returns a new snapshot with overrides applied on top of s.
func (s Snapshot) With(overrides map[string]string) Snapshot {
	merged := s.Values()
	for name, value := range overrides {
		merged[normalizeName(name)] = value
	}
	return Snapshot{values: merged, at: s.at}
}

func normalizeName(name string) string {
	if strings.HasPrefix(name, "$") {
		return name
	}
	return "$" + name
}
