package davsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
	"github.com/emersion/go-ical"
)

const paramScheduleAgent = "SCHEDULE-AGENT"

// ItipTransport delivers iTIP scheduling messages outside the CalDAV
// channel, typically as iMIP email. It backs up recipients the server
// could not reach and servers that do no scheduling at all.
type ItipTransport interface {
	Send(ctx context.Context, item *Item, recipients []string) error
}

// SendItems delivers scheduling messages for the given items. On an
// auto-scheduling server the PUT already triggered delivery, so only
// messages explicitly marked for client-side handling go out through the
// fallback transport; items whose delivery was left to the server are
// returned so callers can tell them apart from ones delivered here. On a
// manually scheduled server each message is POSTed to the outbox and
// recipients the server reports as undeliverable are retried through the
// fallback.
func (c *Calendar) SendItems(ctx context.Context, items []*Item) ([]*Item, error) {
	if err := c.ensureDiscovered(ctx); err != nil {
		return nil, err
	}
	ep := c.ep()
	if !ep.SchedulingEnabled() {
		return nil, fmt.Errorf("davsync: server does not support scheduling")
	}

	var unhandled []*Item
	var errs []error
	for _, item := range items {
		var err error
		if ep.AutoSchedule {
			var handled bool
			handled, err = c.sendAutoScheduled(ctx, item)
			if err == nil && !handled {
				unhandled = append(unhandled, item)
			}
		} else {
			err = c.sendViaOutbox(ctx, ep, item)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", item.UID, err))
		}
	}
	return unhandled, errors.Join(errs...)
}

// sendAutoScheduled handles the one case an auto-scheduling server leaves
// to the client: a REPLY whose organizer opted out of server delivery with
// SCHEDULE-AGENT=CLIENT. It reports whether the item went out here.
func (c *Calendar) sendAutoScheduled(ctx context.Context, item *Item) (bool, error) {
	if !item.IsReply() {
		return false, nil
	}
	comp := item.Component()
	if comp == nil {
		return false, nil
	}
	org := comp.Props.Get(ical.PropOrganizer)
	if org == nil || !strings.EqualFold(org.Params.Get(paramScheduleAgent), "CLIENT") {
		return false, nil
	}
	if c.cfg.FallbackTransport == nil {
		return false, fmt.Errorf("organizer requires client-side delivery and no fallback transport is configured")
	}
	c.logger.Debug("delivering reply via fallback transport", "uid", item.UID)
	return true, c.cfg.FallbackTransport.Send(ctx, item, []string{org.Value})
}

// sendViaOutbox POSTs one scheduling message to the outbox and retries
// undelivered recipients through the fallback transport.
func (c *Calendar) sendViaOutbox(ctx context.Context, ep *Endpoint, item *Item) error {
	recipients := c.messageRecipients(item)
	if len(recipients) == 0 {
		return nil
	}

	data, err := item.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode scheduling message: %w", err)
	}

	headers := map[string]string{
		"Originator": ep.UserAddress,
		"Recipient":  strings.Join(recipients, ", "),
	}
	body, status, err := c.http.DoPOST(ctx, ep.Outbox, "text/calendar; charset=utf-8", headers, data)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &httpclient.HTTPError{Code: status}
	}

	sr, err := xml.ParseScheduleResponse(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var undelivered []string
	for i := range sr.Recipients {
		rs := &sr.Recipients[i]
		if !rs.Delivered() {
			c.logger.Debug("recipient not reached by server",
				"uid", item.UID,
				"recipient", rs.Recipient,
				"request_status", rs.RequestStatus)
			undelivered = append(undelivered, rs.Recipient)
		}
	}
	if len(undelivered) == 0 {
		return nil
	}
	if c.cfg.FallbackTransport == nil {
		return fmt.Errorf("server could not deliver to %s", strings.Join(undelivered, ", "))
	}
	return c.cfg.FallbackTransport.Send(ctx, item, undelivered)
}

// messageRecipients derives the recipient list from the message direction:
// a REPLY goes back to the organizer, everything else fans out to the
// attendees.
func (c *Calendar) messageRecipients(item *Item) []string {
	comp := item.Component()
	if comp == nil {
		return nil
	}
	if item.IsReply() {
		if org := comp.Props.Get(ical.PropOrganizer); org != nil && org.Value != "" {
			return []string{org.Value}
		}
		return nil
	}
	var recipients []string
	for _, att := range comp.Props.Values(ical.PropAttendee) {
		if att.Value != "" {
			recipients = append(recipients, att.Value)
		}
	}
	return recipients
}

// PollInbox refreshes the scheduling inbox through the regular listing
// machinery. Replies found there are applied to their calendar items and
// the inbox copies removed; other inbox content stays cached for the host
// application to act on.
func (c *Calendar) PollInbox(ctx context.Context) error {
	ep := c.ep()
	if ep.Inbox == "" {
		return fmt.Errorf("davsync: no scheduling inbox discovered")
	}
	if ep.InboxPollDisabled {
		return nil
	}
	_, err := c.refreshCollection(ctx, ep.Inbox, true)
	return err
}

// processReply applies an iTIP REPLY from the inbox: the attendee's
// participation status is copied onto the matching calendar item, the
// update is written back to the server, and only then is the inbox copy
// removed. A reply without a matching item is dropped.
func (c *Calendar) processReply(ctx context.Context, reply *Item, path, etag string) error {
	master, err := c.cache.GetItem(ctx, reply.UID)
	if err != nil && !errors.Is(err, ErrItemNotFound) {
		return err
	}
	if master == nil {
		c.logger.Warn("reply without a matching calendar item", "uid", reply.UID)
		c.deleteInboxCopy(ctx, path)
		return nil
	}

	if !applyParticipationStatus(master, reply) {
		c.logger.Debug("reply carried no attendee update", "uid", reply.UID)
		c.deleteInboxCopy(ctx, path)
		return nil
	}

	if _, err := c.modifyItem(ctx, master, false, false); err != nil {
		return fmt.Errorf("failed to apply reply for %s: %w", reply.UID, err)
	}
	c.deleteInboxCopy(ctx, path)
	return nil
}

// applyParticipationStatus copies the PARTSTAT of every attendee named in
// the reply onto the matching attendee of the calendar item. It reports
// whether anything changed.
func applyParticipationStatus(master, reply *Item) bool {
	masterComp := master.Component()
	replyComp := reply.Component()
	if masterComp == nil || replyComp == nil {
		return false
	}

	changed := false
	attendees := masterComp.Props.Values(ical.PropAttendee)
	for _, replyAtt := range replyComp.Props.Values(ical.PropAttendee) {
		status := replyAtt.Params.Get("PARTSTAT")
		if status == "" {
			continue
		}
		for i := range attendees {
			if !strings.EqualFold(attendees[i].Value, replyAtt.Value) {
				continue
			}
			if attendees[i].Params.Get("PARTSTAT") != status {
				if attendees[i].Params == nil {
					attendees[i].Params = make(ical.Params)
				}
				attendees[i].Params.Set("PARTSTAT", status)
				changed = true
			}
			break
		}
	}
	return changed
}
