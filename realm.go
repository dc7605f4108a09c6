package davsync

import (
	"net/url"
	"sync"
)

// realmRegistry tracks every live calendar in the process so that calendars
// sharing one server account (scheme + host + auth realm) can elect a single
// instance for inbox polling and free/busy fan-out.
var realmRegistry = struct {
	mu        sync.RWMutex
	calendars []*Calendar
}{}

func registerCalendar(c *Calendar) {
	realmRegistry.mu.Lock()
	defer realmRegistry.mu.Unlock()
	realmRegistry.calendars = append(realmRegistry.calendars, c)
}

func unregisterCalendar(c *Calendar) {
	realmRegistry.mu.Lock()
	defer realmRegistry.mu.Unlock()
	for i, cal := range realmRegistry.calendars {
		if cal == c {
			realmRegistry.calendars = append(realmRegistry.calendars[:i], realmRegistry.calendars[i+1:]...)
			return
		}
	}
}

func sameRealm(a, b *Calendar) bool {
	ua, errA := url.Parse(a.uri)
	ub, errB := url.Parse(b.uri)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Scheme == ub.Scheme &&
		ua.Host == ub.Host &&
		a.authRealm() == b.authRealm()
}

// firstInRealm reports whether this calendar is the elected instance among
// all calendars sharing its authentication realm. The scan is read-only;
// the declared winner is the first registered calendar whose id matches the
// current endpoint. The tie-break must not change: altering it would cause
// duplicate inbox polling across multiple calendars on one account.
func (c *Calendar) firstInRealm() bool {
	realmRegistry.mu.RLock()
	defer realmRegistry.mu.RUnlock()
	for _, cal := range realmRegistry.calendars {
		if sameRealm(c, cal) {
			return cal.id == c.id
		}
	}
	return false
}
