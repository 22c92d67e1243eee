package engine

import (
	"time"

	"github.com/tidewater/outreach/internal/models"
)

// location resolves a campaign timezone, falling back to UTC for
// unknown names rather than stalling the campaign.
func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ComputeNextWindow returns the next moment inside the campaign's
// sending window. Before the window opens it is today at the start
// hour; after it closes, tomorrow at the start hour; inside the window
// it is a minute out, so queued work ahead of us still gets its turn.
// With SkipWeekends set, Saturday and Sunday roll forward to Monday at
// the start hour.
func ComputeNextWindow(settings models.CampaignSettings, now time.Time) time.Time {
	loc := location(settings.Timezone)
	local := now.In(loc)

	var next time.Time
	switch {
	case local.Hour() < settings.WindowStartHour:
		next = time.Date(local.Year(), local.Month(), local.Day(),
			settings.WindowStartHour, 0, 0, 0, loc)
	case local.Hour() >= settings.WindowEndHour:
		tomorrow := local.AddDate(0, 0, 1)
		next = time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(),
			settings.WindowStartHour, 0, 0, 0, loc)
	default:
		next = local.Add(time.Minute)
	}

	if settings.SkipWeekends {
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = time.Date(next.Year(), next.Month(), next.Day()+1,
				settings.WindowStartHour, 0, 0, 0, loc)
		}
	}

	return next
}

// DayStart returns midnight of the current day in the campaign's
// timezone, the boundary the daily send limit is counted against.
func DayStart(settings models.CampaignSettings, now time.Time) time.Time {
	local := now.In(location(settings.Timezone))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// NextDayWindowStart returns the window start on the following day,
// used when today's account capacity is exhausted.
func NextDayWindowStart(settings models.CampaignSettings, now time.Time) time.Time {
	loc := location(settings.Timezone)
	local := now.In(loc)

	tomorrow := local.AddDate(0, 0, 1)
	next := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(),
		settings.WindowStartHour, 0, 0, 0, loc)

	if settings.SkipWeekends {
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = time.Date(next.Year(), next.Month(), next.Day()+1,
				settings.WindowStartHour, 0, 0, 0, loc)
		}
	}

	return next
}

// IsInWindow reports whether now falls inside the campaign's sending
// window: weekday permitting, start hour inclusive, end hour exclusive.
func IsInWindow(settings models.CampaignSettings, now time.Time) bool {
	local := now.In(location(settings.Timezone))

	if settings.SkipWeekends {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}

	hour := local.Hour()
	return hour >= settings.WindowStartHour && hour < settings.WindowEndHour
}
