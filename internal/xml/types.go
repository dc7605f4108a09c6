package xml

import "github.com/beevik/etree"

// Common XML tag names used in CalDAV
const (
	TagPropfind     = "propfind"
	TagProp         = "prop"
	TagMultistatus  = "multistatus"
	TagResponse     = "response"
	TagHref         = "href"
	TagPropstat     = "propstat"
	TagStatus       = "status"
	TagError        = "error"
	TagResourcetype = "resourcetype"
	TagCollection   = "collection"
	TagCalendar     = "calendar"
)

// Property represents a generic XML property
type Property struct {
	Name        string
	Namespace   string
	TextContent string
	Children    []Property
	Attributes  map[string]string
}

// FromElement populates a Property from an etree.Element
func (p *Property) FromElement(elem *etree.Element) {
	p.Name = elem.Tag
	p.Namespace = elem.Space
	p.TextContent = elem.Text()
	p.Children = nil
	p.Attributes = make(map[string]string)

	for _, attr := range elem.Attr {
		p.Attributes[attr.Key] = attr.Value
	}

	for _, child := range elem.ChildElements() {
		childProp := Property{}
		childProp.FromElement(child)
		p.Children = append(p.Children, childProp)
	}
}

// Child returns the first child property with the given local name, or nil.
func (p *Property) Child(name string) *Property {
	for i := range p.Children {
		if p.Children[i].Name == name {
			return &p.Children[i]
		}
	}
	return nil
}

// ChildTexts returns the text content of every child with the given local name.
func (p *Property) ChildTexts(name string) []string {
	var texts []string
	for i := range p.Children {
		if p.Children[i].Name == name {
			texts = append(texts, p.Children[i].TextContent)
		}
	}
	return texts
}

// GetAttr returns the value of an attribute, or empty string if not found
func (p *Property) GetAttr(name string) string {
	if p.Attributes == nil {
		return ""
	}
	return p.Attributes[name]
}
