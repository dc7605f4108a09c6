package davsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRealmElection(t *testing.T) {
	a, _ := newTestCalendar("realm-a", "https://cal.example.com/cal/personal/", &mockHTTPClient{}, nil)
	defer a.Close()
	b, _ := newTestCalendar("realm-b", "https://cal.example.com/cal/work/", &mockHTTPClient{}, nil)
	defer b.Close()
	other, _ := newTestCalendar("realm-c", "https://other.example.com/cal/", &mockHTTPClient{}, nil)
	defer other.Close()

	// First registered calendar of the realm wins; a different host is its
	// own realm.
	assert.True(t, a.firstInRealm())
	assert.False(t, b.firstInRealm())
	assert.True(t, other.firstInRealm())

	// Closing the winner promotes the next registered calendar.
	a.Close()
	assert.True(t, b.firstInRealm())
}

func TestRealmSeparatedByAuthRealm(t *testing.T) {
	a, _ := newTestCalendar("realm-d", "https://cal.example.com/cal/alice/", &mockHTTPClient{}, nil)
	defer a.Close()
	a.cfg.AuthRealm = "alice"
	b, _ := newTestCalendar("realm-e", "https://cal.example.com/cal/bob/", &mockHTTPClient{}, nil)
	defer b.Close()
	b.cfg.AuthRealm = "bob"

	// Distinct accounts on one host each poll their own inbox.
	assert.True(t, a.firstInRealm())
	assert.True(t, b.firstInRealm())
}

func TestSameRealm(t *testing.T) {
	a, _ := newTestCalendar("realm-f", "https://cal.example.com/x/", &mockHTTPClient{}, nil)
	defer a.Close()
	b, _ := newTestCalendar("realm-g", "http://cal.example.com/x/", &mockHTTPClient{}, nil)
	defer b.Close()

	// Scheme is part of the realm identity.
	assert.False(t, sameRealm(a, b))
}
