package xml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// RecipientStatus is one per-recipient entry of a schedule-response body
// returned by an outbox POST (RFC 6638).
type RecipientStatus struct {
	Recipient     string
	RequestStatus string

	// CalendarData carries the per-recipient iCalendar payload of a
	// free-busy query response, when present.
	CalendarData string
}

// Delivered reports whether the request-status code class is 2.x (success).
func (rs *RecipientStatus) Delivered() bool {
	return strings.HasPrefix(rs.RequestStatus, "2.")
}

// ScheduleResponse represents a parsed schedule-response document.
type ScheduleResponse struct {
	Recipients []RecipientStatus
}

// ParseScheduleResponse parses a schedule-response body from raw XML.
func ParseScheduleResponse(data []byte) (*ScheduleResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse schedule-response: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "schedule-response" {
		return nil, fmt.Errorf("invalid schedule-response document")
	}

	var sr ScheduleResponse
	for _, respElem := range root.SelectElements(TagResponse) {
		var rs RecipientStatus
		if recipient := FindElementWithNS(respElem, "recipient"); recipient != nil {
			if href := FindElementWithNS(recipient, TagHref); href != nil {
				rs.Recipient = href.Text()
			} else {
				rs.Recipient = recipient.Text()
			}
		}
		if status := FindElementWithNS(respElem, "request-status"); status != nil {
			rs.RequestStatus = status.Text()
		}
		if caldata := FindElementWithNS(respElem, "calendar-data"); caldata != nil {
			rs.CalendarData = caldata.Text()
		}
		sr.Recipients = append(sr.Recipients, rs)
	}

	return &sr, nil
}
