package davsync

import (
	"context"
	"strings"
	"testing"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schedulingEndpoint(uri string, auto bool) *Endpoint {
	ep := checkedEndpoint(uri)
	ep.AutoSchedule = auto
	ep.ManualSchedule = !auto
	ep.FreeBusy = true
	ep.UserAddress = "mailto:alice@example.com"
	ep.Inbox = "https://cal.example.com/cal/inbox/"
	ep.Outbox = "https://cal.example.com/cal/outbox/"
	return ep
}

func requestICS(uid string, attendees ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\nMETHOD:REQUEST\n")
	b.WriteString("BEGIN:VEVENT\nUID:" + uid + "\nDTSTAMP:20250101T000000Z\nDTSTART:20250102T100000Z\n")
	b.WriteString("ORGANIZER:mailto:alice@example.com\n")
	for _, att := range attendees {
		b.WriteString("ATTENDEE;PARTSTAT=NEEDS-ACTION:" + att + "\n")
	}
	b.WriteString("SUMMARY:Review\nEND:VEVENT\nEND:VCALENDAR\n")
	return b.String()
}

func replyICS(uid, attendee, partstat, agent string) string {
	org := "ORGANIZER"
	if agent != "" {
		org += ";SCHEDULE-AGENT=" + agent
	}
	return "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\nMETHOD:REPLY\n" +
		"BEGIN:VEVENT\nUID:" + uid + "\nDTSTAMP:20250101T000000Z\nDTSTART:20250102T100000Z\n" +
		org + ":mailto:alice@example.com\n" +
		"ATTENDEE;PARTSTAT=" + partstat + ":" + attendee + "\n" +
		"SUMMARY:Review\nEND:VEVENT\nEND:VCALENDAR\n"
}

type recordingTransport struct {
	items      []*Item
	recipients [][]string
}

func (r *recordingTransport) Send(_ context.Context, item *Item, recipients []string) error {
	r.items = append(r.items, item)
	r.recipients = append(r.recipients, recipients)
	return nil
}

const scheduleResponseFixture = `<?xml version="1.0" encoding="utf-8"?>
<C:schedule-response xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:D="DAV:">
  <C:response>
    <C:recipient><D:href>mailto:bob@example.com</D:href></C:recipient>
    <C:request-status>2.0;Success</C:request-status>
  </C:response>
  <C:response>
    <C:recipient><D:href>mailto:carol@elsewhere.example</D:href></C:recipient>
    <C:request-status>5.1;Could not deliver</C:request-status>
  </C:response>
</C:schedule-response>`

func TestSendItemsManualScheduling(t *testing.T) {
	ctx := context.Background()

	var postHeaders map[string]string
	var postURL string
	mock := &mockHTTPClient{
		doPost: func(_ context.Context, url, contentType string, headers map[string]string, body []byte) ([]byte, int, error) {
			postURL = url
			postHeaders = headers
			assert.Contains(t, contentType, "text/calendar")
			return []byte(scheduleResponseFixture), 200, nil
		},
	}

	c, _ := newTestCalendar("sched-1", calURI, mock, schedulingEndpoint(calURI, false))
	defer c.Close()
	fallback := &recordingTransport{}
	c.cfg.FallbackTransport = fallback

	item, err := DecodeItem([]byte(requestICS("event-1", "mailto:bob@example.com", "mailto:carol@elsewhere.example")))
	require.NoError(t, err)

	unhandled, err := c.SendItems(ctx, []*Item{item})
	require.NoError(t, err)
	assert.Empty(t, unhandled)

	assert.Equal(t, "https://cal.example.com/cal/outbox/", postURL)
	assert.Equal(t, "mailto:alice@example.com", postHeaders["Originator"])
	assert.Contains(t, postHeaders["Recipient"], "mailto:bob@example.com")
	assert.Contains(t, postHeaders["Recipient"], "mailto:carol@elsewhere.example")

	// Only the recipient the server could not reach goes out via fallback.
	require.Len(t, fallback.recipients, 1)
	assert.Equal(t, []string{"mailto:carol@elsewhere.example"}, fallback.recipients[0])
}

func TestSendItemsAutoScheduling(t *testing.T) {
	ctx := context.Background()

	t.Run("server handles delivery, no requests go out", func(t *testing.T) {
		mock := &mockHTTPClient{}
		c, _ := newTestCalendar("sched-2", calURI, mock, schedulingEndpoint(calURI, true))
		defer c.Close()
		fallback := &recordingTransport{}
		c.cfg.FallbackTransport = fallback

		item, err := DecodeItem([]byte(replyICS("event-1", "mailto:alice@example.com", "ACCEPTED", "")))
		require.NoError(t, err)

		unhandled, err := c.SendItems(ctx, []*Item{item})
		require.NoError(t, err)
		assert.Zero(t, mock.requestCount())
		assert.Empty(t, fallback.items)

		// The caller learns delivery was left to the server.
		require.Len(t, unhandled, 1)
		assert.Same(t, item, unhandled[0])
	})

	t.Run("organizer opted out of server delivery", func(t *testing.T) {
		mock := &mockHTTPClient{}
		c, _ := newTestCalendar("sched-3", calURI, mock, schedulingEndpoint(calURI, true))
		defer c.Close()
		fallback := &recordingTransport{}
		c.cfg.FallbackTransport = fallback

		item, err := DecodeItem([]byte(replyICS("event-1", "mailto:alice@example.com", "ACCEPTED", "CLIENT")))
		require.NoError(t, err)

		unhandled, err := c.SendItems(ctx, []*Item{item})
		require.NoError(t, err)
		assert.Empty(t, unhandled)
		assert.Zero(t, mock.requestCount())
		require.Len(t, fallback.recipients, 1)
		assert.Equal(t, []string{"mailto:alice@example.com"}, fallback.recipients[0])
	})
}

func inboxListingFixture(entries ...[2]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">`)
	b.WriteString(`<D:response><D:href>/cal/inbox/</D:href><D:propstat><D:prop>` +
		`<D:resourcetype><D:collection/><C:schedule-inbox/></D:resourcetype>` +
		`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`)
	for _, e := range entries {
		b.WriteString(`<D:response><D:href>` + e[0] + `</D:href><D:propstat><D:prop>` +
			`<D:getetag>` + e[1] + `</D:getetag>` +
			`<D:getcontenttype>text/calendar; charset=utf-8</D:getcontenttype>` +
			`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`)
	}
	b.WriteString(`</D:multistatus>`)
	return b.String()
}

func TestPollInboxAppliesReply(t *testing.T) {
	ctx := context.Background()

	const inboxPath = "/cal/inbox/reply-1.ics"
	reply := replyICS("event-1", "mailto:bob@example.com", "ACCEPTED", "")

	var deletedPaths []string
	var putBody []byte
	mock := &mockHTTPClient{}
	mock.doPropfind = func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
		return &httpclient.PropfindResult{MS: mustParseMultistatus(inboxListingFixture([2]string{inboxPath, `"r1"`}))}, nil
	}
	mock.doReport = func(_ context.Context, url string, depth int, body []byte) (*xml.MultistatusResponse, error) {
		return mustParseMultistatus(multigetFixture([3]string{inboxPath, `"r1"`, reply})), nil
	}
	mock.doPut = func(_ context.Context, url string, data []byte, ifMatch string, ifNoneMatchAny bool) (string, int, error) {
		putBody = data
		return `"e2"`, 204, nil
	}
	mock.doGet = func(_ context.Context, url string) ([]byte, string, int, error) {
		return putBody, `"e2"`, 200, nil
	}
	mock.doDelete = func(_ context.Context, url string, ifMatch string) (int, error) {
		deletedPaths = append(deletedPaths, url)
		return 204, nil
	}

	c, store := newTestCalendar("sched-4", calURI, mock, schedulingEndpoint(calURI, true))
	defer c.Close()

	// The invitation sits in the calendar with the attendee undecided.
	master, err := DecodeItem([]byte(requestICS("event-1", "mailto:bob@example.com")))
	require.NoError(t, err)
	require.NoError(t, store.AddItem(ctx, master))
	require.NoError(t, c.cache.SetRecord(ctx, ItemRecord{
		UID: "event-1", Etag: `"e1"`, Path: "/cal/home/personal/event-1.ics",
	}))

	require.NoError(t, c.PollInbox(ctx))

	// The write-back carries the accepted status.
	assert.Contains(t, string(putBody), "PARTSTAT=ACCEPTED")
	// The inbox copy is removed only after the update succeeded.
	assert.Equal(t, []string{inboxPath}, deletedPaths)

	updated, err := store.GetItem(ctx, "event-1")
	require.NoError(t, err)
	att := updated.Component().Props.Get(ical.PropAttendee)
	require.NotNil(t, att)
	assert.Equal(t, "ACCEPTED", att.Params.Get("PARTSTAT"))
}

func TestPollInboxDropsOrphanReply(t *testing.T) {
	ctx := context.Background()

	const inboxPath = "/cal/inbox/reply-9.ics"
	reply := replyICS("no-such-event", "mailto:bob@example.com", "DECLINED", "")

	var deletedPaths []string
	mock := &mockHTTPClient{}
	mock.doPropfind = func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
		return &httpclient.PropfindResult{MS: mustParseMultistatus(inboxListingFixture([2]string{inboxPath, `"r9"`}))}, nil
	}
	mock.doReport = func(_ context.Context, url string, depth int, body []byte) (*xml.MultistatusResponse, error) {
		return mustParseMultistatus(multigetFixture([3]string{inboxPath, `"r9"`, reply})), nil
	}
	mock.doDelete = func(_ context.Context, url string, ifMatch string) (int, error) {
		deletedPaths = append(deletedPaths, url)
		return 204, nil
	}

	c, _ := newTestCalendar("sched-5", calURI, mock, schedulingEndpoint(calURI, true))
	defer c.Close()

	require.NoError(t, c.PollInbox(ctx))
	assert.Equal(t, []string{inboxPath}, deletedPaths)
}

func TestApplyParticipationStatus(t *testing.T) {
	master, err := DecodeItem([]byte(requestICS("event-1", "mailto:bob@example.com", "mailto:carol@example.com")))
	require.NoError(t, err)

	t.Run("matching attendee updated", func(t *testing.T) {
		reply, err := DecodeItem([]byte(replyICS("event-1", "mailto:bob@example.com", "DECLINED", "")))
		require.NoError(t, err)

		require.True(t, applyParticipationStatus(master, reply))
		for _, att := range master.Component().Props.Values(ical.PropAttendee) {
			if att.Value == "mailto:bob@example.com" {
				assert.Equal(t, "DECLINED", att.Params.Get("PARTSTAT"))
			} else {
				assert.Equal(t, "NEEDS-ACTION", att.Params.Get("PARTSTAT"))
			}
		}
	})

	t.Run("unknown attendee changes nothing", func(t *testing.T) {
		reply, err := DecodeItem([]byte(replyICS("event-1", "mailto:mallory@example.com", "ACCEPTED", "")))
		require.NoError(t, err)
		assert.False(t, applyParticipationStatus(master, reply))
	})
}

func TestParseScheduleResponse(t *testing.T) {
	sr, err := xml.ParseScheduleResponse([]byte(scheduleResponseFixture))
	require.NoError(t, err)
	require.Len(t, sr.Recipients, 2)
	assert.Equal(t, "mailto:bob@example.com", sr.Recipients[0].Recipient)
	assert.True(t, sr.Recipients[0].Delivered())
	assert.Equal(t, "mailto:carol@elsewhere.example", sr.Recipients[1].Recipient)
	assert.False(t, sr.Recipients[1].Delivered())
}
