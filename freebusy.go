package davsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// FreeBusyType classifies one slice of an attendee's schedule.
type FreeBusyType int

const (
	// FreeBusyUnknown covers ranges the server gave no information for.
	FreeBusyUnknown FreeBusyType = iota
	FreeBusyFree
	FreeBusyBusy
	FreeBusyBusyTentative
	FreeBusyBusyUnavailable
)

func (t FreeBusyType) String() string {
	switch t {
	case FreeBusyFree:
		return "FREE"
	case FreeBusyBusy:
		return "BUSY"
	case FreeBusyBusyTentative:
		return "BUSY-TENTATIVE"
	case FreeBusyBusyUnavailable:
		return "BUSY-UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// FreeBusyInterval is one contiguous slice of an attendee's schedule.
type FreeBusyInterval struct {
	Start time.Time
	End   time.Time
	Type  FreeBusyType
}

// GetFreeBusyIntervals queries the server for an attendee's schedule over
// the given range and returns a gap-free interval list covering it: server
// periods typed per FBTYPE, uncovered inner ranges reported free, and the
// edges beyond server coverage reported unknown. Only the elected calendar
// of a realm issues the query; the others return an empty result so one
// account is not asked the same question repeatedly.
func (c *Calendar) GetFreeBusyIntervals(ctx context.Context, attendee string, start, end time.Time) ([]FreeBusyInterval, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("davsync: free-busy range is empty")
	}
	if err := c.ensureDiscovered(ctx); err != nil {
		return nil, err
	}
	ep := c.ep()
	if !ep.FreeBusy || ep.Outbox == "" {
		return nil, fmt.Errorf("davsync: server does not support free-busy queries")
	}
	if !c.firstInRealm() {
		c.logger.Debug("free-busy query suppressed, another calendar owns this realm")
		return nil, nil
	}

	recipient := asMailto(attendee)
	data, err := encodeFreeBusyRequest(ep.UserAddress, recipient, start, end)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Originator": ep.UserAddress,
		"Recipient":  recipient,
	}
	body, status, err := c.http.DoPOST(ctx, ep.Outbox, "text/calendar; charset=utf-8", headers, data)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &httpclient.HTTPError{Code: status}
	}

	sr, err := xml.ParseScheduleResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	for i := range sr.Recipients {
		rs := &sr.Recipients[i]
		if !rs.Delivered() || rs.CalendarData == "" {
			continue
		}
		busy, err := parseFreeBusyData(rs.CalendarData)
		if err != nil {
			return nil, err
		}
		return fillFreeBusyGaps(busy, start, end), nil
	}
	return nil, fmt.Errorf("%w: no usable free-busy data for %s", ErrBadResponse, recipient)
}

func asMailto(address string) string {
	if strings.HasPrefix(strings.ToLower(address), "mailto:") {
		return address
	}
	return "mailto:" + address
}

func encodeFreeBusyRequest(originator, recipient string, start, end time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//davsync//NONSGML v1.0//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropMethod, "REQUEST")

	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetText(ical.PropUID, uuid.New().String())
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	fb.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	fb.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	fb.Props.SetText(ical.PropOrganizer, originator)
	fb.Props.SetText(ical.PropAttendee, recipient)
	cal.Children = append(cal.Children, fb)

	item := &Item{Data: cal}
	data, err := item.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode free-busy request: %w", err)
	}
	return data, nil
}

// parseFreeBusyData extracts the typed busy periods from a VFREEBUSY reply.
func parseFreeBusyData(data string) ([]FreeBusyInterval, error) {
	item, err := DecodeItem([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	comp := item.Component()
	if comp == nil || comp.Name != ical.CompFreeBusy {
		return nil, fmt.Errorf("%w: response is not a VFREEBUSY", ErrBadResponse)
	}

	var intervals []FreeBusyInterval
	for _, prop := range comp.Props.Values(ical.PropFreeBusy) {
		typ := freeBusyTypeFromParam(prop.Params.Get("FBTYPE"))
		for _, period := range strings.Split(prop.Value, ",") {
			iv, err := parsePeriod(strings.TrimSpace(period))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
			}
			iv.Type = typ
			intervals = append(intervals, iv)
		}
	}
	return intervals, nil
}

func freeBusyTypeFromParam(fbtype string) FreeBusyType {
	switch strings.ToUpper(fbtype) {
	case "FREE":
		return FreeBusyFree
	case "BUSY-TENTATIVE":
		return FreeBusyBusyTentative
	case "BUSY-UNAVAILABLE":
		return FreeBusyBusyUnavailable
	default:
		// FBTYPE defaults to BUSY when absent.
		return FreeBusyBusy
	}
}

// parsePeriod parses an iCalendar period, either explicit (start/end) or
// start/duration.
func parsePeriod(period string) (FreeBusyInterval, error) {
	parts := strings.SplitN(period, "/", 2)
	if len(parts) != 2 {
		return FreeBusyInterval{}, fmt.Errorf("malformed period %q", period)
	}
	start, err := time.Parse("20060102T150405Z", parts[0])
	if err != nil {
		return FreeBusyInterval{}, fmt.Errorf("malformed period start %q", parts[0])
	}
	if strings.HasPrefix(parts[1], "P") || strings.HasPrefix(parts[1], "+P") {
		dur, err := parseDuration(strings.TrimPrefix(parts[1], "+"))
		if err != nil {
			return FreeBusyInterval{}, err
		}
		return FreeBusyInterval{Start: start, End: start.Add(dur)}, nil
	}
	end, err := time.Parse("20060102T150405Z", parts[1])
	if err != nil {
		return FreeBusyInterval{}, fmt.Errorf("malformed period end %q", parts[1])
	}
	return FreeBusyInterval{Start: start, End: end}, nil
}

// parseDuration parses the iCalendar duration subset that appears in
// free-busy periods (weeks, days, hours, minutes, seconds).
func parseDuration(s string) (time.Duration, error) {
	rest := strings.TrimPrefix(s, "P")
	var dur time.Duration
	inTime := false
	value := 0
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			value = value*10 + int(r-'0')
		case r == 'T':
			inTime = true
		case r == 'W':
			dur += time.Duration(value) * 7 * 24 * time.Hour
			value = 0
		case r == 'D':
			dur += time.Duration(value) * 24 * time.Hour
			value = 0
		case r == 'H' && inTime:
			dur += time.Duration(value) * time.Hour
			value = 0
		case r == 'M' && inTime:
			dur += time.Duration(value) * time.Minute
			value = 0
		case r == 'S' && inTime:
			dur += time.Duration(value) * time.Second
			value = 0
		default:
			return 0, fmt.Errorf("malformed duration %q", s)
		}
	}
	return dur, nil
}

// fillFreeBusyGaps clamps the reported periods to the queried range and
// fills the holes: a hole between two reported periods means free, a hole
// at either edge of the range means the server said nothing about it.
func fillFreeBusyGaps(reported []FreeBusyInterval, start, end time.Time) []FreeBusyInterval {
	var clamped []FreeBusyInterval
	for _, iv := range reported {
		if !iv.End.After(start) || !iv.Start.Before(end) {
			continue
		}
		if iv.Start.Before(start) {
			iv.Start = start
		}
		if iv.End.After(end) {
			iv.End = end
		}
		clamped = append(clamped, iv)
	}
	sort.Slice(clamped, func(i, j int) bool { return clamped[i].Start.Before(clamped[j].Start) })

	out := make([]FreeBusyInterval, 0, len(clamped)*2+2)
	cursor := start
	for _, iv := range clamped {
		if iv.Start.After(cursor) {
			gapType := FreeBusyFree
			if cursor.Equal(start) {
				gapType = FreeBusyUnknown
			}
			out = append(out, FreeBusyInterval{Start: cursor, End: iv.Start, Type: gapType})
		}
		out = append(out, iv)
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if cursor.Before(end) {
		out = append(out, FreeBusyInterval{Start: cursor, End: end, Type: FreeBusyUnknown})
	}
	return out
}
