package telechat

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// AppointmentStatus is the lifecycle state of an appointment row.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// AppointmentTab is one filtered view of the physician dashboard.
type AppointmentTab string

const (
	TabUpcoming  AppointmentTab = "upcoming"
	TabPast      AppointmentTab = "past"
	TabCancelled AppointmentTab = "cancelled"
)

// Appointment is a row of the backend appointments table.
type Appointment struct {
	ID          string            `json:"id"`
	PhysicianID string            `json:"physician_id"`
	MemberID    string            `json:"member_id"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Status      AppointmentStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	RoomID      string            `json:"room_id,omitempty"`
}

// ListAppointments returns a physician's appointments ordered by start time.
func (c *Client) ListAppointments(ctx context.Context, physicianID string) ([]Appointment, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("physician_id", "eq."+physicianID)
	query.Set("order", "scheduled_at.asc")

	data, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/appointments", nil, query, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]Appointment](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// FilterAppointments selects the appointments shown under tab at time now.
// Upcoming is ascending by start time; past and cancelled are most recent first.
func FilterAppointments(list []Appointment, tab AppointmentTab, now time.Time) []Appointment {
	var out []Appointment
	for _, a := range list {
		cancelled := a.Status == AppointmentCancelled
		switch tab {
		case TabUpcoming:
			if !cancelled && a.Status != AppointmentCompleted && !a.ScheduledAt.Before(now) {
				out = append(out, a)
			}
		case TabPast:
			if !cancelled && (a.Status == AppointmentCompleted || a.ScheduledAt.Before(now)) {
				out = append(out, a)
			}
		case TabCancelled:
			if cancelled {
				out = append(out, a)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if tab == TabUpcoming {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ScheduledAt.After(out[j].ScheduledAt)
	})
	return out
}
