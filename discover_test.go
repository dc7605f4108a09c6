package davsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarPropfindFixture = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/cal/home/personal/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
        <D:current-user-principal><D:href>/principals/alice/</D:href></D:current-user-principal>
        <D:supported-report-set>
          <D:supported-report><D:report><D:sync-collection/></D:report></D:supported-report>
        </D:supported-report-set>
        <C:supported-calendar-component-set>
          <C:comp name="VEVENT"/>
          <C:comp name="VJOURNAL"/>
        </C:supported-calendar-component-set>
        <CS:getctag>tag-initial</CS:getctag>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const principalPropfindFixture = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/principals/alice/</D:href>
    <D:propstat>
      <D:prop>
        <C:calendar-home-set><D:href>/cal/home/</D:href></C:calendar-home-set>
        <C:calendar-user-address-set>
          <D:href>https://cal.example.com/alice</D:href>
          <D:href>mailto:alice@example.com</D:href>
        </C:calendar-user-address-set>
        <C:schedule-inbox-URL><D:href>/cal/inbox/</D:href></C:schedule-inbox-URL>
        <C:schedule-outbox-URL><D:href>/cal/outbox/</D:href></C:schedule-outbox-URL>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const plainCollectionFixture = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/stuff/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/></D:resourcetype>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const noResourceTypeFixture = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/stuff/</D:href>
    <D:propstat>
      <D:prop>
        <D:displayname>whatever</D:displayname>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

func TestDiscoverFullCapabilities(t *testing.T) {
	const uri = "https://cal.example.com/cal/home/personal/"

	mock := &mockHTTPClient{
		doPropfind: func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
			switch url {
			case uri:
				return &httpclient.PropfindResult{MS: mustParseMultistatus(calendarPropfindFixture)}, nil
			case "https://cal.example.com/principals/alice/":
				return &httpclient.PropfindResult{MS: mustParseMultistatus(principalPropfindFixture)}, nil
			}
			return nil, fmt.Errorf("unexpected PROPFIND %s", url)
		},
		doOptions: func(_ context.Context, url string) (string, int, error) {
			return "1, 2, calendar-access, calendar-auto-schedule", 200, nil
		},
	}

	c, _ := newTestCalendar("cal-1", uri, mock, nil)
	defer c.Close()

	require.NoError(t, c.discover(context.Background()))

	ep := c.Endpoint()
	assert.True(t, ep.Checked)
	assert.False(t, ep.Disabled)
	assert.True(t, ep.SyncSupported)
	assert.True(t, ep.AutoSchedule)
	assert.False(t, ep.ManualSchedule)
	assert.True(t, ep.FreeBusy)
	// VJOURNAL is not served; the advertised set narrows to VEVENT only.
	assert.Equal(t, []string{"VEVENT"}, ep.SupportedComponents)
	assert.Equal(t, "mailto:alice@example.com", ep.UserAddress)
	assert.Equal(t, "https://cal.example.com/cal/inbox/", ep.Inbox)
	assert.Equal(t, "https://cal.example.com/cal/outbox/", ep.Outbox)
	assert.False(t, ep.InboxPollDisabled)
}

func TestDiscoverNotCalDAVDisables(t *testing.T) {
	const uri = "https://cal.example.com/stuff/"

	mock := &mockHTTPClient{
		doPropfind: func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
			return &httpclient.PropfindResult{MS: mustParseMultistatus(plainCollectionFixture)}, nil
		},
	}

	c, _ := newTestCalendar("cal-2", uri, mock, nil)
	defer c.Close()

	err := c.discover(context.Background())
	require.ErrorIs(t, err, ErrNotCalDAV)
	assert.True(t, c.Disabled())
	assert.True(t, c.ReadOnly())
}

func TestDiscoverNotDAVDisables(t *testing.T) {
	const uri = "https://cal.example.com/stuff/"

	mock := &mockHTTPClient{
		doPropfind: func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
			return &httpclient.PropfindResult{MS: mustParseMultistatus(noResourceTypeFixture)}, nil
		},
	}

	c, _ := newTestCalendar("cal-3", uri, mock, nil)
	defer c.Close()

	err := c.discover(context.Background())
	require.ErrorIs(t, err, ErrNotDAV)
	assert.True(t, c.Disabled())
}

func TestDiscoverTransientFailureKeepsEndpoint(t *testing.T) {
	const uri = "https://cal.example.com/cal/home/personal/"

	mock := &mockHTTPClient{
		doPropfind: func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
			return nil, &httpclient.HTTPError{Code: 503}
		},
	}

	c, _ := newTestCalendar("cal-4", uri, mock, nil)
	defer c.Close()

	err := c.discover(context.Background())
	require.ErrorIs(t, err, ErrServerUnavailable)
	assert.False(t, c.Disabled())
	assert.False(t, c.ReadOnly())
	assert.False(t, c.Endpoint().Checked)
}

func TestDiscoverQuirkSkipsOptions(t *testing.T) {
	const uri = "https://apidata.googleusercontent.com/caldav/v2/alice/events/"

	optionsCalled := false
	mock := &mockHTTPClient{
		doPropfind: func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
			if url == uri {
				return &httpclient.PropfindResult{MS: mustParseMultistatus(calendarPropfindFixture)}, nil
			}
			return &httpclient.PropfindResult{MS: mustParseMultistatus(principalPropfindFixture)}, nil
		},
		doOptions: func(_ context.Context, url string) (string, int, error) {
			optionsCalled = true
			return "", 200, nil
		},
	}

	c, _ := newTestCalendar("cal-5", uri, mock, nil)
	defer c.Close()

	require.NoError(t, c.discover(context.Background()))
	assert.False(t, optionsCalled)
	assert.True(t, c.Endpoint().AutoSchedule)
}

func TestDiscoverNoSchedulingCapability(t *testing.T) {
	const uri = "https://cal.example.com/cal/home/personal/"

	mock := &mockHTTPClient{
		doPropfind: func(_ context.Context, url string, depth int, props ...string) (*httpclient.PropfindResult, error) {
			return &httpclient.PropfindResult{MS: mustParseMultistatus(calendarPropfindFixture)}, nil
		},
		doOptions: func(_ context.Context, url string) (string, int, error) {
			return "1, 2, calendar-access", 200, nil
		},
	}

	c, _ := newTestCalendar("cal-6", uri, mock, nil)
	defer c.Close()

	require.NoError(t, c.discover(context.Background()))
	ep := c.Endpoint()
	assert.True(t, ep.Checked)
	assert.False(t, ep.SchedulingEnabled())
	// Principal lookup never ran.
	assert.Empty(t, ep.Inbox)
}

func TestDiscoverAuthFailureMarksReenablePending(t *testing.T) {
	const uri = "https://cal.example.com/cal/home/personal/"

	mock := &mockHTTPClient{}
	c, _ := newTestCalendar("cal-7", uri, mock, nil)
	defer c.Close()
	c.cfg.TokenSource = failingTokenSource{}

	err := c.discover(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, c.ReenablePending())
	assert.True(t, c.Disabled())

	c.Reenable()
	assert.False(t, c.ReenablePending())
	assert.False(t, c.Disabled())
}

func TestDiscoverWaitsForInflightRun(t *testing.T) {
	c, _ := newTestCalendar("cal-8", "https://cal.example.com/cal/home/personal/", &mockHTTPClient{}, nil)
	defer c.Close()

	c.mu.Lock()
	c.discovering = true
	c.discoverDone = make(chan struct{})
	c.mu.Unlock()

	result := make(chan error, 1)
	go func() { result <- c.discover(context.Background()) }()

	select {
	case err := <-result:
		t.Fatalf("discover returned while another run was in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	want := errors.New("upstream unreachable")
	c.mu.Lock()
	c.discovering = false
	c.discoverErr = want
	close(c.discoverDone)
	c.mu.Unlock()

	select {
	case err := <-result:
		assert.Equal(t, want, err)
	case <-time.After(time.Second):
		t.Fatal("discover did not observe the in-flight run finishing")
	}
}

type failingTokenSource struct{}

func (failingTokenSource) Token(context.Context) (string, error) {
	return "", errors.New("token endpoint unreachable")
}
func (failingTokenSource) Refresh(context.Context) (string, error) {
	return "", errors.New("token endpoint unreachable")
}

func TestPendingQueueSettlement(t *testing.T) {
	t.Run("drained in order on success", func(t *testing.T) {
		var q pendingQueue
		var order []int
		for i := 0; i < 3; i++ {
			i := i
			q.push(pendingQuery{
				run:  func(context.Context) { order = append(order, i) },
				fail: func(error) { t.Fatal("fail must not run") },
			})
		}
		q.drain(context.Background())
		assert.Equal(t, []int{0, 1, 2}, order)
		assert.Zero(t, q.len())
	})

	t.Run("all notified on failure", func(t *testing.T) {
		var q pendingQueue
		var failures []error
		for i := 0; i < 2; i++ {
			q.push(pendingQuery{
				run:  func(context.Context) { t.Fatal("run must not run") },
				fail: func(err error) { failures = append(failures, err) },
			})
		}
		q.failAll(ErrNotCalDAV)
		require.Len(t, failures, 2)
		for _, err := range failures {
			assert.ErrorIs(t, err, ErrNotCalDAV)
		}
	})
}
