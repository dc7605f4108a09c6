// Package recurrence expands recurring calendar components into concrete
// occurrences, honoring RRULE, RDATE and EXDATE.
package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// Occurrence is one concrete instance of a possibly recurring component.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Expand returns every occurrence of the component overlapping the given
// range, sorted by start time. A component without timing information
// expands to nothing.
func Expand(comp *ical.Component, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	if comp == nil || rangeEnd.Before(rangeStart) {
		return nil, nil
	}

	start, end, ok := componentSpan(comp)
	if !ok {
		return nil, nil
	}
	duration := end.Sub(start)
	exdates := propDates(comp, ical.PropExceptionDates)

	var starts []time.Time
	if rule := comp.Props.Get(ical.PropRecurrenceRule); rule != nil && rule.Value != "" {
		expanded, err := expandRule(start, rule.Value, rangeStart.Add(-duration), rangeEnd)
		if err != nil {
			return nil, err
		}
		starts = expanded
	} else {
		starts = []time.Time{start}
	}
	starts = append(starts, propDates(comp, ical.PropRecurrenceDates)...)

	var occurrences []Occurrence
	seen := make(map[time.Time]bool)
	for _, s := range starts {
		if seen[s] || excluded(s, exdates) {
			continue
		}
		seen[s] = true
		e := s.Add(duration)
		if s.After(rangeEnd) || e.Before(rangeStart) {
			continue
		}
		occurrences = append(occurrences, Occurrence{Start: s, End: e})
	}

	sort.Slice(occurrences, func(i, j int) bool {
		return occurrences[i].Start.Before(occurrences[j].Start)
	})
	return occurrences, nil
}

// OverlapsRange reports whether the component has at least one occurrence
// overlapping the given range.
func OverlapsRange(comp *ical.Component, rangeStart, rangeEnd time.Time) (bool, error) {
	occurrences, err := Expand(comp, rangeStart, rangeEnd)
	if err != nil {
		return false, err
	}
	return len(occurrences) > 0, nil
}

// componentSpan derives the start and end of the master instance. A missing
// DTEND falls back to DURATION, then to a one day span for all-day values
// and a zero span otherwise. VTODOs without DTSTART use DUE.
func componentSpan(comp *ical.Component) (start, end time.Time, ok bool) {
	dtstart, err := comp.Props.DateTime(ical.PropDateTimeStart, nil)
	if err != nil {
		if comp.Name == ical.CompToDo {
			if due, dueErr := comp.Props.DateTime(ical.PropDue, nil); dueErr == nil {
				return due, due, true
			}
		}
		return time.Time{}, time.Time{}, false
	}
	start = dtstart

	if dtend, err := comp.Props.DateTime(ical.PropDateTimeEnd, nil); err == nil {
		return start, dtend, true
	}
	if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		if dur, err := durProp.Duration(); err == nil {
			return start, start.Add(dur), true
		}
	}
	if isMidnight(start) {
		return start, start.AddDate(0, 0, 1), true
	}
	return start, start, true
}

func expandRule(masterStart time.Time, ruleStr string, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	dtstart := masterStart.UTC().Format("20060102T150405Z")
	set, err := rrule.StrToRRuleSet("DTSTART:" + dtstart + "\nRRULE:" + ruleStr)
	if err != nil {
		return nil, fmt.Errorf("parse RRULE %q: %w", ruleStr, err)
	}
	return set.Between(rangeStart, rangeEnd, true), nil
}

// propDates collects every date of a comma-separated date list property
// such as RDATE or EXDATE, across all instances of the property.
func propDates(comp *ical.Component, name string) []time.Time {
	var dates []time.Time
	for _, prop := range comp.Props.Values(name) {
		dateOnly := strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if t, ok := parseDate(raw, dateOnly); ok {
				dates = append(dates, t)
			}
		}
	}
	return dates
}

func parseDate(raw string, dateOnly bool) (time.Time, bool) {
	if !dateOnly {
		if t, err := time.Parse("20060102T150405Z", raw); err == nil {
			return t, true
		}
		if t, err := time.Parse("20060102T150405", raw); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse("20060102", raw); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// excluded matches an occurrence against the EXDATE list, treating a
// midnight UTC exception as excluding the whole day.
func excluded(t time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if t.Equal(ex) {
			return true
		}
		if isMidnight(ex) && ex.Location() == time.UTC {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if day.Equal(ex) {
				return true
			}
		}
	}
	return false
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}
