package xml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/samber/mo"
)

// MultistatusResponse represents a parsed multistatus response
type MultistatusResponse struct {
	Responses []Response
	SyncToken string
}

// Response represents a single response within a multistatus
type Response struct {
	Href      string
	PropStats []PropStat
	Status    string
}

// PropStat represents property status in a response
type PropStat struct {
	Props  []Property
	Status string
}

// ParseMultistatus parses a multistatus body from raw XML.
func ParseMultistatus(data []byte) (*MultistatusResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse multistatus: %w", err)
	}

	var m MultistatusResponse
	if err := m.Parse(doc); err != nil {
		return nil, err
	}
	return &m, nil
}

// Parse parses a multistatus response from an XML document
func (m *MultistatusResponse) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	if root.Tag != TagMultistatus {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	m.Responses = nil

	// Root-level sync-token (RFC 6578)
	if token := FindElementWithNS(root, "sync-token"); token != nil {
		m.SyncToken = token.Text()
	}

	for _, respElem := range root.SelectElements(TagResponse) {
		resp := Response{}

		if hrefElem := respElem.SelectElement(TagHref); hrefElem != nil {
			resp.Href = hrefElem.Text()
		}

		if statusElem := respElem.SelectElement(TagStatus); statusElem != nil {
			resp.Status = statusElem.Text()
		}

		for _, propstatElem := range respElem.SelectElements(TagPropstat) {
			propstat := PropStat{}

			if propElem := propstatElem.SelectElement(TagProp); propElem != nil {
				for _, prop := range propElem.ChildElements() {
					property := Property{}
					property.FromElement(prop)
					propstat.Props = append(propstat.Props, property)
				}
			}

			if statusElem := propstatElem.SelectElement(TagStatus); statusElem != nil {
				propstat.Status = statusElem.Text()
			}

			resp.PropStats = append(resp.PropStats, propstat)
		}

		m.Responses = append(m.Responses, resp)
	}

	return nil
}

// First returns the first response, if any.
func (m *MultistatusResponse) First() mo.Option[*Response] {
	if len(m.Responses) == 0 {
		return mo.None[*Response]()
	}
	return mo.Some(&m.Responses[0])
}

// Removed reports whether this response entry marks a deleted resource
// (404 status in a sync-collection report).
func (r *Response) Removed() bool {
	return strings.Contains(r.Status, "404")
}

// OK reports whether the response carries at least one successful propstat.
func (r *Response) OK() bool {
	for _, ps := range r.PropStats {
		if strings.Contains(ps.Status, "200") {
			return true
		}
	}
	return false
}

// Prop returns the named property from the first successful propstat.
func (r *Response) Prop(name string) *Property {
	for _, ps := range r.PropStats {
		if !strings.Contains(ps.Status, "200") {
			continue
		}
		for i := range ps.Props {
			if ps.Props[i].Name == name {
				return &ps.Props[i]
			}
		}
	}
	return nil
}

// PropText returns the text content of the named property, if present with
// a 200 status.
func (r *Response) PropText(name string) mo.Option[string] {
	if p := r.Prop(name); p != nil {
		return mo.Some(p.TextContent)
	}
	return mo.None[string]()
}

// PropHref returns the text of the href child of the named property.
func (r *Response) PropHref(name string) mo.Option[string] {
	if p := r.Prop(name); p != nil {
		if href := p.Child(TagHref); href != nil && href.TextContent != "" {
			return mo.Some(href.TextContent)
		}
	}
	return mo.None[string]()
}

// PropHrefs returns all href children of the named property.
func (r *Response) PropHrefs(name string) []string {
	if p := r.Prop(name); p != nil {
		return p.ChildTexts(TagHref)
	}
	return nil
}

// HasResourceType reports whether the response carries a resourcetype
// property at all, successful or not.
func (r *Response) HasResourceType() bool {
	for _, ps := range r.PropStats {
		for i := range ps.Props {
			if ps.Props[i].Name == TagResourcetype {
				return strings.Contains(ps.Status, "200")
			}
		}
	}
	return false
}

// IsCalendar reports whether the resourcetype marks a CalDAV calendar.
func (r *Response) IsCalendar() bool {
	if p := r.Prop(TagResourcetype); p != nil {
		return p.Child(TagCalendar) != nil
	}
	return false
}

// IsCollection reports whether the resourcetype marks a plain collection.
func (r *Response) IsCollection() bool {
	if p := r.Prop(TagResourcetype); p != nil {
		return p.Child(TagCollection) != nil
	}
	return false
}

// SupportsReport reports whether the supported-report-set advertises the
// given report name.
func (r *Response) SupportsReport(name string) bool {
	p := r.Prop("supported-report-set")
	if p == nil {
		return false
	}
	for i := range p.Children {
		report := p.Children[i]
		if report.Name != "supported-report" {
			continue
		}
		if rep := report.Child("report"); rep != nil {
			if len(rep.Children) > 0 && rep.Children[0].Name == name {
				return true
			}
		}
	}
	return false
}

// SupportedComponents returns the comp names of the
// supported-calendar-component-set property, and whether the property was
// present at all. An absent property means the server made no statement.
func (r *Response) SupportedComponents() ([]string, bool) {
	p := r.Prop("supported-calendar-component-set")
	if p == nil {
		return nil, false
	}
	var comps []string
	for i := range p.Children {
		if p.Children[i].Name == "comp" {
			if name := p.Children[i].GetAttr("name"); name != "" {
				comps = append(comps, name)
			}
		}
	}
	return comps, true
}
