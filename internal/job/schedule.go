package job

import (
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/apperrors"
)

// scheduleParser accepts standard five-field expressions, an optional
// leading seconds field, and descriptors such as @every 5s or @hourly.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, apperrors.Validation(KeySchedule, "invalid schedule: "+err.Error())
	}
	return sched, nil
}

// NextFire returns the first activation of expr strictly after now.
func NextFire(expr string, now time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
