package scheduler

import (
	"strconv"
	"time"

	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/storage"
)

// snapshot adds the read-only system variables to a participant's stored
// variables. System values always win over stored ones.
func (w *Worker) snapshot(p *storage.Participant, vars map[string]string, now time.Time) rules.Snapshot {
	local := now.In(w.cfg.Location)

	values := make(map[string]string, len(vars)+5)
	for name, value := range vars {
		values[name] = value
	}
	values[rules.VarSystemDayInWeek] = strconv.Itoa(isoWeekday(local.Weekday()))
	values[rules.VarSystemDayOfMonth] = strconv.Itoa(local.Day())
	values[rules.VarSystemMonth] = strconv.Itoa(int(local.Month()))
	values[rules.VarSystemYear] = strconv.Itoa(local.Year())
	values[rules.VarParticipantParticipationDays] = strconv.Itoa(participationDays(p.CreatedAt, now, w.cfg.Location))

	return rules.NewSnapshot(values, now)
}

// isoWeekday maps Monday to 1 and Sunday to 7.
func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// participationDays counts calendar days since the participant was created.
func participationDays(created, now time.Time, loc *time.Location) int {
	if created.IsZero() || now.Before(created) {
		return 0
	}
	y1, m1, d1 := created.In(loc).Date()
	y2, m2, d2 := now.In(loc).Date()
	start := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	end := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}

// sendTime is today's send hour, or now when that hour already passed.
func (w *Worker) sendTime(now time.Time, hour int) time.Time {
	local := now.In(w.cfg.Location)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, w.cfg.Location)
	if at.Before(now) {
		return now
	}
	return at
}

// nextDue computes the next monitoring evaluation of a participant.
func (w *Worker) nextDue(hour int, now time.Time) time.Time {
	if w.cfg.DuePolicy == DueWake {
		return now.Add(w.Interval())
	}
	local := now.In(w.cfg.Location)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, w.cfg.Location)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
