package xml

import "github.com/beevik/etree"

// PropfindRequest represents a PROPFIND request body
type PropfindRequest struct {
	Prop []string
}

// ToXML converts a PropfindRequest to an XML document
func (r *PropfindRequest) ToXML() *etree.Document {
	doc := etree.NewDocument()
	root := CreateRootElement(doc, TagPropfind, false)
	AddSelectedNamespaces(doc, DAV, CalDAV, CalendarServer, AppleICal)

	if len(r.Prop) > 0 {
		prop := CreateElementWithNS(root, TagProp)
		for _, name := range r.Prop {
			CreateElementWithNS(prop, name)
		}
	}

	return doc
}

// SyncCollectionRequest represents a sync-collection REPORT request
type SyncCollectionRequest struct {
	SyncToken string
	SyncLevel string
	Prop      []string
}

// ToXML converts a SyncCollectionRequest to an XML document
func (r *SyncCollectionRequest) ToXML() *etree.Document {
	doc := etree.NewDocument()
	root := CreateRootElement(doc, "sync-collection", false)
	AddSelectedNamespaces(doc, DAV, CalDAV)

	token := CreateElementWithNS(root, "sync-token")
	token.SetText(r.SyncToken)

	level := CreateElementWithNS(root, "sync-level")
	level.SetText(r.SyncLevel)

	if len(r.Prop) > 0 {
		prop := CreateElementWithNS(root, TagProp)
		for _, name := range r.Prop {
			CreateElementWithNS(prop, name)
		}
	}

	return doc
}

// CalendarMultigetRequest represents a calendar-multiget REPORT request
type CalendarMultigetRequest struct {
	Prop  []string
	Hrefs []string
}

// ToXML converts a CalendarMultigetRequest to an XML document
func (r *CalendarMultigetRequest) ToXML() *etree.Document {
	doc := etree.NewDocument()
	root := CreateRootElement(doc, "calendar-multiget", true)
	AddSelectedNamespaces(doc, DAV, CalDAV)

	if len(r.Prop) > 0 {
		prop := CreateElementWithNS(root, TagProp)
		for _, name := range r.Prop {
			CreateElementWithNS(prop, name)
		}
	}

	for _, href := range r.Hrefs {
		h := CreateElementWithNS(root, TagHref)
		h.SetText(href)
	}

	return doc
}

// PrincipalPropertySearchRequest represents a principal-property-search
// REPORT request matching principals by calendar-home-set path.
type PrincipalPropertySearchRequest struct {
	HomeSetMatch string
	Prop         []string
}

// ToXML converts a PrincipalPropertySearchRequest to an XML document
func (r *PrincipalPropertySearchRequest) ToXML() *etree.Document {
	doc := etree.NewDocument()
	root := CreateRootElement(doc, "principal-property-search", false)
	AddSelectedNamespaces(doc, DAV, CalDAV)

	search := CreateElementWithNS(root, "property-search")
	searchProp := CreateElementWithNS(search, TagProp)
	CreateElementWithNS(searchProp, "calendar-home-set")
	match := CreateElementWithNS(search, "match")
	match.SetText(r.HomeSetMatch)

	if len(r.Prop) > 0 {
		prop := CreateElementWithNS(root, TagProp)
		for _, name := range r.Prop {
			CreateElementWithNS(prop, name)
		}
	}

	return doc
}
