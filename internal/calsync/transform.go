package calsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/store"
)

// Private extended property keys carrying the local item reference.
const (
	propItemID   = "calsyncItemId"
	propItemType = "calsyncItemType"
)

const (
	eventConfirmed = "confirmed"
	eventCancelled = "cancelled"

	dateLayout = "2006-01-02"

	billPayPrefix  = "Pay "
	billPaidPrefix = "Paid: "
	billAmountLine = "Amount due: "
)

const defaultAppointmentLength = time.Hour

// BuildEvent renders item as a remote event payload. Times carry both an
// explicit offset and a zone name. The result is a pure function of the
// item's synced fields.
func BuildEvent(item store.Schedulable, defaultZone *time.Location) (*calendar.Event, error) {
	var ev *calendar.Event
	switch it := item.(type) {
	case *store.Appointment:
		ev = appointmentEvent(it, defaultZone)
	case *store.Bill:
		ev = billEvent(it, defaultZone)
	default:
		return nil, fmt.Errorf("unsupported item type %T", item)
	}
	ev.Status = eventConfirmed
	ev.ExtendedProperties = &calendar.EventExtendedProperties{
		Private: map[string]string{
			propItemID:   item.ItemID(),
			propItemType: string(item.ItemType()),
		},
	}
	return ev, nil
}

func appointmentEvent(a *store.Appointment, defaultZone *time.Location) *calendar.Event {
	loc := zoneOr(a.TimeZone, defaultZone)
	end := a.EndsAt
	if !end.After(a.StartsAt) {
		end = a.StartsAt.Add(defaultAppointmentLength)
	}
	return &calendar.Event{
		Summary:     a.Title,
		Description: a.Notes,
		Location:    a.Location,
		Start:       &calendar.EventDateTime{DateTime: a.StartsAt.In(loc).Format(time.RFC3339), TimeZone: loc.String()},
		End:         &calendar.EventDateTime{DateTime: end.In(loc).Format(time.RFC3339), TimeZone: loc.String()},
	}
}

func billEvent(b *store.Bill, defaultZone *time.Location) *calendar.Event {
	due := b.DueDate.Format(dateLayout)
	next := b.DueDate.AddDate(0, 0, 1).Format(dateLayout)

	prefix := billPayPrefix
	if b.Status == store.StatusPaid {
		prefix = billPaidPrefix
	}
	desc := billAmountLine + formatAmount(b.AmountCents, b.Currency)
	if b.Notes != "" {
		desc += "\n\n" + b.Notes
	}
	return &calendar.Event{
		Summary:      prefix + b.Payee,
		Description:  desc,
		Start:        &calendar.EventDateTime{Date: due, TimeZone: defaultZone.String()},
		End:          &calendar.EventDateTime{Date: next, TimeZone: defaultZone.String()},
		Transparency: "transparent",
	}
}

func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s %s%d.%02d", strings.ToUpper(currency), sign, cents/100, cents%100)
}

func zoneOr(name string, def *time.Location) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return def
}

// hashedPayload lists the fields that define an event's synced content.
type hashedPayload struct {
	ItemID      string `json:"item_id"`
	ItemType    string `json:"item_type"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	StartDate   string `json:"start_date"`
	StartTime   string `json:"start_time"`
	StartZone   string `json:"start_zone"`
	EndDate     string `json:"end_date"`
	EndTime     string `json:"end_time"`
	EndZone     string `json:"end_zone"`
	Status      string `json:"status"`
	Cancelled   bool   `json:"cancelled"`
}

// PayloadHash returns the content hash of item's rendered payload.
func PayloadHash(item store.Schedulable, defaultZone *time.Location) (string, error) {
	ev, err := BuildEvent(item, defaultZone)
	if err != nil {
		return "", err
	}
	p := hashedPayload{
		ItemID:      item.ItemID(),
		ItemType:    string(item.ItemType()),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		Cancelled:   isCancelled(item),
	}
	if ev.Start != nil {
		p.StartDate, p.StartTime, p.StartZone = ev.Start.Date, ev.Start.DateTime, ev.Start.TimeZone
	}
	if ev.End != nil {
		p.EndDate, p.EndTime, p.EndZone = ev.End.Date, ev.End.DateTime, ev.End.TimeZone
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// isCancelled reports whether the item should have no live remote event.
func isCancelled(item store.Schedulable) bool {
	switch it := item.(type) {
	case *store.Appointment:
		return it.Status == store.StatusCancelled
	case *store.Bill:
		return it.Status == store.StatusCancelled
	}
	return false
}

// ItemRef is the local item a remote event was built from.
type ItemRef struct {
	ItemID   string
	ItemType store.ItemType
}

// ExtractItemRef reads the embedded item reference from ev.
func ExtractItemRef(ev *calendar.Event) (ItemRef, bool) {
	if ev == nil || ev.ExtendedProperties == nil {
		return ItemRef{}, false
	}
	id := ev.ExtendedProperties.Private[propItemID]
	typ := store.ItemType(ev.ExtendedProperties.Private[propItemType])
	if id == "" || !typ.Valid() {
		return ItemRef{}, false
	}
	return ItemRef{ItemID: id, ItemType: typ}, true
}

// remoteUpdated parses an event's modification time. A missing or malformed
// value yields the zero time.
func remoteUpdated(ev *calendar.Event) time.Time {
	if ev == nil || ev.Updated == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ev.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ApplyEvent copies remote content onto item and reports whether anything
// changed. A cancelled event cancels the item.
func ApplyEvent(item store.Schedulable, ev *calendar.Event, defaultZone *time.Location) (bool, error) {
	switch it := item.(type) {
	case *store.Appointment:
		return applyAppointment(it, ev, defaultZone)
	case *store.Bill:
		return applyBill(it, ev, defaultZone)
	}
	return false, fmt.Errorf("unsupported item type %T", item)
}

func applyAppointment(a *store.Appointment, ev *calendar.Event, defaultZone *time.Location) (bool, error) {
	before := *a
	if ev.Status == eventCancelled {
		a.Status = store.StatusCancelled
		return a.Status != before.Status, nil
	}

	loc := zoneOr(a.TimeZone, defaultZone)
	start, err := parseEventTime(ev.Start, loc)
	if err != nil {
		return false, fmt.Errorf("event start: %w", err)
	}
	end, err := parseEventTime(ev.End, loc)
	if err != nil {
		return false, fmt.Errorf("event end: %w", err)
	}
	a.Title = ev.Summary
	a.Notes = ev.Description
	a.Location = ev.Location
	a.StartsAt = start
	a.EndsAt = end
	if ev.Start.TimeZone != "" {
		if _, err := time.LoadLocation(ev.Start.TimeZone); err == nil {
			a.TimeZone = ev.Start.TimeZone
		}
	}
	if a.Status == store.StatusCancelled {
		a.Status = store.StatusScheduled
	}
	changed := a.Title != before.Title || a.Notes != before.Notes || a.Location != before.Location ||
		!a.StartsAt.Equal(before.StartsAt) || !a.EndsAt.Equal(before.EndsAt) ||
		a.TimeZone != before.TimeZone || a.Status != before.Status
	return changed, nil
}

func applyBill(b *store.Bill, ev *calendar.Event, defaultZone *time.Location) (bool, error) {
	before := *b
	if ev.Status == eventCancelled {
		b.Status = store.StatusCancelled
		return b.Status != before.Status, nil
	}

	due, err := parseEventTime(ev.Start, defaultZone)
	if err != nil {
		return false, fmt.Errorf("event start: %w", err)
	}
	b.DueDate = time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)

	payee := strings.TrimPrefix(ev.Summary, billPaidPrefix)
	payee = strings.TrimPrefix(payee, billPayPrefix)
	b.Payee = payee
	b.Notes = billNotes(ev.Description)
	if b.Status == store.StatusCancelled {
		b.Status = store.StatusUnpaid
	}
	changed := b.Payee != before.Payee || b.Notes != before.Notes ||
		!b.DueDate.Equal(before.DueDate) || b.Status != before.Status
	return changed, nil
}

// billNotes strips the rendered amount line from a bill description.
func billNotes(desc string) string {
	if !strings.HasPrefix(desc, billAmountLine) {
		return desc
	}
	_, rest, found := strings.Cut(desc, "\n")
	if !found {
		return ""
	}
	return strings.TrimPrefix(rest, "\n")
}

func parseEventTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		return time.ParseInLocation(dateLayout, dt.Date, loc)
	}
	return time.Time{}, fmt.Errorf("event time has neither date nor dateTime")
}
