package xml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropfindRequestToXML(t *testing.T) {
	req := PropfindRequest{Prop: []string{"getetag", "resourcetype", "getctag", "calendar-color"}}
	out, err := req.ToXML().WriteToString()
	require.NoError(t, err)

	assert.Contains(t, out, `xmlns:D="DAV:"`)
	assert.Contains(t, out, `xmlns:C="urn:ietf:params:xml:ns:caldav"`)
	assert.Contains(t, out, `xmlns:CS="http://calendarserver.org/ns/"`)
	assert.Contains(t, out, `xmlns:A="http://apple.com/ns/ical/"`)
	assert.Contains(t, out, "<D:propfind")
	// Each property lands in the namespace it belongs to.
	assert.Contains(t, out, "<D:getetag/>")
	assert.Contains(t, out, "<D:resourcetype/>")
	assert.Contains(t, out, "<CS:getctag/>")
	assert.Contains(t, out, "<A:calendar-color/>")
}

func TestSyncCollectionRequestToXML(t *testing.T) {
	req := SyncCollectionRequest{
		SyncToken: "https://example.com/sync/41",
		SyncLevel: "1",
		Prop:      []string{"getetag", "calendar-data"},
	}
	out, err := req.ToXML().WriteToString()
	require.NoError(t, err)

	assert.Contains(t, out, "<D:sync-collection")
	assert.Contains(t, out, "<D:sync-token>https://example.com/sync/41</D:sync-token>")
	assert.Contains(t, out, "<D:sync-level>1</D:sync-level>")
	assert.Contains(t, out, "<C:calendar-data/>")
}

func TestSyncCollectionRequestEmptyToken(t *testing.T) {
	req := SyncCollectionRequest{SyncLevel: "1", Prop: []string{"getetag"}}
	out, err := req.ToXML().WriteToString()
	require.NoError(t, err)

	// An initial sync sends an empty token element, not an absent one.
	assert.Contains(t, out, "<D:sync-token/>")
}

func TestCalendarMultigetRequestToXML(t *testing.T) {
	req := CalendarMultigetRequest{
		Prop:  []string{"getetag", "calendar-data"},
		Hrefs: []string{"/cal/home/a.ics", "/cal/home/b.ics"},
	}
	out, err := req.ToXML().WriteToString()
	require.NoError(t, err)

	assert.Contains(t, out, "<C:calendar-multiget")
	assert.Contains(t, out, "<D:href>/cal/home/a.ics</D:href>")
	assert.Contains(t, out, "<D:href>/cal/home/b.ics</D:href>")
	assert.Equal(t, 2, strings.Count(out, "<D:href>"))
}

func TestPrincipalPropertySearchRequestToXML(t *testing.T) {
	req := PrincipalPropertySearchRequest{
		HomeSetMatch: "/cal/home/",
		Prop:         []string{"calendar-user-address-set"},
	}
	out, err := req.ToXML().WriteToString()
	require.NoError(t, err)

	assert.Contains(t, out, "<D:principal-property-search")
	assert.Contains(t, out, "<D:property-search>")
	assert.Contains(t, out, "<C:calendar-home-set/>")
	assert.Contains(t, out, "<D:match>/cal/home/</D:match>")
}

const scheduleResponseBody = `<?xml version="1.0" encoding="utf-8"?>
<C:schedule-response xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:response>
    <C:recipient><D:href>mailto:bob@example.com</D:href></C:recipient>
    <C:request-status>2.0;Success</C:request-status>
    <C:calendar-data>BEGIN:VCALENDAR
END:VCALENDAR</C:calendar-data>
  </C:response>
  <C:response>
    <C:recipient><D:href>mailto:carol@example.com</D:href></C:recipient>
    <C:request-status>3.7;Invalid calendar user</C:request-status>
  </C:response>
</C:schedule-response>`

func TestParseScheduleResponse(t *testing.T) {
	sr, err := ParseScheduleResponse([]byte(scheduleResponseBody))
	require.NoError(t, err)
	require.Len(t, sr.Recipients, 2)

	bob := sr.Recipients[0]
	assert.Equal(t, "mailto:bob@example.com", bob.Recipient)
	assert.True(t, bob.Delivered())
	assert.Contains(t, bob.CalendarData, "BEGIN:VCALENDAR")

	carol := sr.Recipients[1]
	assert.Equal(t, "mailto:carol@example.com", carol.Recipient)
	assert.False(t, carol.Delivered())
	assert.Empty(t, carol.CalendarData)
}

func TestParseScheduleResponseRejectsWrongRoot(t *testing.T) {
	_, err := ParseScheduleResponse([]byte(`<D:multistatus xmlns:D="DAV:"/>`))
	assert.Error(t, err)
}
