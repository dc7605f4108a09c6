package davsync

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-ical"
)

// Item is one calendar item as stored offline: a stable UID plus its parsed
// iCalendar document.
type Item struct {
	UID  string
	Data *ical.Calendar
}

// DecodeItem parses wire-format iCalendar text into an Item, extracting the
// UID from the first event or todo component.
func DecodeItem(data []byte) (*Item, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse iCalendar data: %w", err)
	}

	item := &Item{Data: cal}
	if comp := item.Component(); comp != nil {
		if uid, err := comp.Props.Text(ical.PropUID); err == nil {
			item.UID = uid
		}
	}
	if item.UID == "" {
		return nil, fmt.Errorf("calendar object has no UID")
	}
	return item, nil
}

// Encode serializes the item back to wire-format iCalendar text.
func (i *Item) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(i.Data); err != nil {
		return nil, fmt.Errorf("failed to encode calendar object: %w", err)
	}
	return buf.Bytes(), nil
}

// Component returns the item's first VEVENT, VTODO or VFREEBUSY component.
func (i *Item) Component() *ical.Component {
	if i.Data == nil {
		return nil
	}
	for _, child := range i.Data.Children {
		switch child.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompFreeBusy:
			return child
		}
	}
	return nil
}

// Method returns the iTIP METHOD of the containing calendar, or "".
func (i *Item) Method() string {
	if i.Data == nil {
		return ""
	}
	method, err := i.Data.Props.Text(ical.PropMethod)
	if err != nil {
		return ""
	}
	return method
}

// IsReply reports whether the item is an iTIP REPLY scheduling message.
func (i *Item) IsReply() bool {
	return i.Method() == "REPLY"
}

// Store is the offline item store collaborator. The engine never persists
// anything except through this contract; implementations translate items
// and opaque metadata strings to whatever storage they own.
type Store interface {
	GetItem(ctx context.Context, uid string) (*Item, error)
	GetItems(ctx context.Context) ([]*Item, error)
	AddItem(ctx context.Context, item *Item) error
	ModifyItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, uid string) error

	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error
	// AllMetadata returns every metadata entry whose key starts with prefix.
	AllMetadata(ctx context.Context, prefix string) (map[string]string, error)

	BeginBatch(ctx context.Context) error
	EndBatch(ctx context.Context) error
}
