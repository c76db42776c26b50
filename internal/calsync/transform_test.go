package calsync

import (
	"testing"
	"time"
	_ "time/tzdata"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/store"
)

func testAppointment() *store.Appointment {
	return &store.Appointment{
		ID:       "0b7c3c52-8f43-4a1e-9a57-3d1f0c2f9a11",
		UserID:   1,
		Title:    "Cardiology follow-up",
		Notes:    "Bring medication list",
		Location: "Clinic B",
		StartsAt: time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
		EndsAt:   time.Date(2025, 3, 10, 15, 15, 0, 0, time.UTC),
		TimeZone: "America/New_York",
		Status:   store.StatusScheduled,
	}
}

func testBill() *store.Bill {
	return &store.Bill{
		ID:          "5d2b1c7e-1111-4c4c-8d8d-9e9e9e9e9e9e",
		UserID:      1,
		Payee:       "City Water",
		Notes:       "Autopay is off",
		AmountCents: 4200,
		Currency:    "usd",
		DueDate:     time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC),
		Status:      store.StatusUnpaid,
	}
}

func TestBuildEventAppointment(t *testing.T) {
	ev, err := BuildEvent(testAppointment(), time.UTC)
	if err != nil {
		t.Fatalf("BuildEvent() error = %v", err)
	}
	if ev.Summary != "Cardiology follow-up" || ev.Location != "Clinic B" || ev.Description != "Bring medication list" {
		t.Fatalf("unexpected content: %+v", ev)
	}
	if ev.Start.DateTime != "2025-03-10T10:30:00-04:00" || ev.Start.TimeZone != "America/New_York" {
		t.Fatalf("start = %+v", ev.Start)
	}
	if ev.End.DateTime != "2025-03-10T11:15:00-04:00" {
		t.Fatalf("end = %+v", ev.End)
	}
	if ev.Status != "confirmed" {
		t.Fatalf("status = %q", ev.Status)
	}
	ref, ok := ExtractItemRef(ev)
	if !ok || ref.ItemID != testAppointment().ID || ref.ItemType != store.ItemAppointment {
		t.Fatalf("ExtractItemRef() = %+v, %v", ref, ok)
	}
}

func TestBuildEventDefaultsAppointmentLength(t *testing.T) {
	a := testAppointment()
	a.TimeZone = ""
	a.EndsAt = time.Time{}

	ev, err := BuildEvent(a, time.UTC)
	if err != nil {
		t.Fatalf("BuildEvent() error = %v", err)
	}
	if ev.End.DateTime != "2025-03-10T15:30:00Z" || ev.End.TimeZone != "UTC" {
		t.Fatalf("end = %+v", ev.End)
	}
}

func TestBuildEventBill(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		summary string
	}{
		{"unpaid", store.StatusUnpaid, "Pay City Water"},
		{"paid", store.StatusPaid, "Paid: City Water"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBill()
			b.Status = tt.status
			ev, err := BuildEvent(b, time.UTC)
			if err != nil {
				t.Fatalf("BuildEvent() error = %v", err)
			}
			if ev.Summary != tt.summary {
				t.Errorf("summary = %q, want %q", ev.Summary, tt.summary)
			}
			if ev.Description != "Amount due: USD 42.00\n\nAutopay is off" {
				t.Errorf("description = %q", ev.Description)
			}
			if ev.Start.Date != "2025-04-15" || ev.End.Date != "2025-04-16" || ev.Start.DateTime != "" {
				t.Errorf("dates = %+v / %+v", ev.Start, ev.End)
			}
			if ev.Transparency != "transparent" {
				t.Errorf("transparency = %q", ev.Transparency)
			}
		})
	}
}

func TestPayloadHash(t *testing.T) {
	base, err := PayloadHash(testAppointment(), time.UTC)
	if err != nil {
		t.Fatalf("PayloadHash() error = %v", err)
	}
	again, _ := PayloadHash(testAppointment(), time.UTC)
	if base != again {
		t.Fatal("hash is not stable across calls")
	}

	touched := testAppointment()
	touched.UpdatedAt = time.Now()
	touched.AssignedCollaborator = ptr("someone")
	if h, _ := PayloadHash(touched, time.UTC); h != base {
		t.Fatal("fields outside the payload changed the hash")
	}

	renamed := testAppointment()
	renamed.Title = "Cardiology"
	if h, _ := PayloadHash(renamed, time.UTC); h == base {
		t.Fatal("title change did not change the hash")
	}

	cancelled := testAppointment()
	cancelled.Status = store.StatusCancelled
	if h, _ := PayloadHash(cancelled, time.UTC); h == base {
		t.Fatal("cancellation did not change the hash")
	}
}

func TestExtractItemRefRejectsForeignEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   *calendar.Event
	}{
		{"nil", nil},
		{"no properties", &calendar.Event{Id: "x"}},
		{"missing id", &calendar.Event{ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{propItemType: "bill"}}}},
		{"unknown type", &calendar.Event{ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{propItemID: "abc", propItemType: "task"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := ExtractItemRef(tt.ev); ok {
				t.Fatal("expected no item reference")
			}
		})
	}
}

func TestApplyEventRoundTrip(t *testing.T) {
	items := []store.Schedulable{testAppointment(), testBill()}
	for _, item := range items {
		t.Run(string(item.ItemType()), func(t *testing.T) {
			ev, err := BuildEvent(item, time.UTC)
			if err != nil {
				t.Fatalf("BuildEvent() error = %v", err)
			}
			changed, err := ApplyEvent(item, ev, time.UTC)
			if err != nil {
				t.Fatalf("ApplyEvent() error = %v", err)
			}
			if changed {
				t.Fatal("applying an item's own payload reported a change")
			}
		})
	}
}

func TestApplyEventUpdatesBill(t *testing.T) {
	b := testBill()
	ev := &calendar.Event{
		Summary:     "Paid: County Water",
		Description: "Amount due: USD 42.00\n\nMoved to the 20th",
		Start:       &calendar.EventDateTime{Date: "2025-04-20"},
		End:         &calendar.EventDateTime{Date: "2025-04-21"},
	}
	changed, err := ApplyEvent(b, ev, time.UTC)
	if err != nil {
		t.Fatalf("ApplyEvent() error = %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if b.Payee != "County Water" || b.Notes != "Moved to the 20th" {
		t.Fatalf("bill = %+v", b)
	}
	if !b.DueDate.Equal(time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("due = %v", b.DueDate)
	}
	if b.Status != store.StatusUnpaid || b.AmountCents != 4200 {
		t.Fatal("status and amount are owned locally")
	}
}

func TestApplyEventCancellation(t *testing.T) {
	a := testAppointment()
	changed, err := ApplyEvent(a, &calendar.Event{Status: "cancelled"}, time.UTC)
	if err != nil || !changed {
		t.Fatalf("ApplyEvent() = %v, %v", changed, err)
	}
	if a.Status != store.StatusCancelled || a.Title != "Cardiology follow-up" {
		t.Fatalf("appointment = %+v", a)
	}

	ev, _ := BuildEvent(testAppointment(), time.UTC)
	if changed, _ := ApplyEvent(a, ev, time.UTC); !changed || a.Status != store.StatusScheduled {
		t.Fatalf("live event should reinstate the appointment, status = %q", a.Status)
	}
}
