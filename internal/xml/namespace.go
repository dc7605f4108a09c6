package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CalendarServer is the Calendar Server namespace (used by some implementations)
	CalendarServer = "http://calendarserver.org/ns/"
	// AppleICal is the Apple iCal extension namespace
	AppleICal = "http://apple.com/ns/ical/"
)

// Prefixes used when serializing request documents
const (
	prefixDAV            = "D"
	prefixCalDAV         = "C"
	prefixCalendarServer = "CS"
	prefixAppleICal      = "A"
)

// caldavTags lists property and element names that live in the CalDAV
// namespace; everything else defaults to DAV: except the calendarserver
// extensions below.
var caldavTags = map[string]bool{
	"calendar-data":                    true,
	"calendar-home-set":                true,
	"calendar-user-address-set":        true,
	"calendar-multiget":                true,
	"calendar-query":                   true,
	"supported-calendar-component-set": true,
	"schedule-inbox-URL":               true,
	"schedule-outbox-URL":              true,
	"schedule-inbox":                   true,
	"schedule-outbox":                  true,
	"comp":                             true,
	"comp-filter":                      true,
	"prop-filter":                      true,
	"time-range":                       true,
	"filter":                           true,
	"calendar":                         true,
}

var calendarServerTags = map[string]bool{
	"getctag": true,
}

var appleICalTags = map[string]bool{
	"calendar-color": true,
}

// prefixFor returns the serialization prefix for a tag name.
func prefixFor(tag string) string {
	switch {
	case caldavTags[tag]:
		return prefixCalDAV
	case calendarServerTags[tag]:
		return prefixCalendarServer
	case appleICalTags[tag]:
		return prefixAppleICal
	default:
		return prefixDAV
	}
}

// AddSelectedNamespaces declares the given namespaces on the document root.
func AddSelectedNamespaces(doc *etree.Document, namespaces ...string) {
	root := doc.Root()
	if root == nil {
		return
	}
	for _, ns := range namespaces {
		switch ns {
		case DAV:
			root.CreateAttr("xmlns:"+prefixDAV, DAV)
		case CalDAV:
			root.CreateAttr("xmlns:"+prefixCalDAV, CalDAV)
		case CalendarServer:
			root.CreateAttr("xmlns:"+prefixCalendarServer, CalendarServer)
		case AppleICal:
			root.CreateAttr("xmlns:"+prefixAppleICal, AppleICal)
		}
	}
}

// CreateRootElement creates the document root with the right namespace prefix.
func CreateRootElement(doc *etree.Document, tag string, caldav bool) *etree.Element {
	prefix := prefixDAV
	if caldav {
		prefix = prefixCalDAV
	}
	root := doc.CreateElement(prefix + ":" + tag)
	return root
}

// CreateElementWithNS creates a child element, choosing the namespace prefix
// from the tag name.
func CreateElementWithNS(parent *etree.Element, tag string) *etree.Element {
	return parent.CreateElement(prefixFor(tag) + ":" + tag)
}

// FindElementWithNS finds the first child element with the given local tag,
// ignoring whatever prefix the server chose.
func FindElementWithNS(elem *etree.Element, tag string) *etree.Element {
	for _, child := range elem.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}
