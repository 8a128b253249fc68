package meetlinks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// LinkContext is what providers and notifiers know about a consultation.
type LinkContext struct {
	AppointmentID   uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	DoctorName      string
	DoctorEmail     string
	PatientName     string
	PatientEmail    string
	Date            string
	Time            string
	StartsAt        time.Time
	DurationMinutes int
	Reason          string
	// MeetLink is set once a link exists, for notifiers.
	MeetLink string
}

// Link is a generated meeting URL.
type Link struct {
	URL        string
	Provider   string
	ProviderID string
}

// Provider creates a video meeting for a consultation.
type Provider interface {
	Name() string
	GenerateLink(ctx context.Context, lc LinkContext) (Link, error)
}

// JitsiProvider builds deterministic room URLs on a Jitsi deployment. It
// never calls out, so it is the usual fallback.
type JitsiProvider struct {
	baseURL string
}

func NewJitsiProvider(baseURL string) *JitsiProvider {
	if baseURL == "" {
		baseURL = "https://meet.jit.si"
	}
	return &JitsiProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *JitsiProvider) Name() string { return "jitsi" }

func (p *JitsiProvider) GenerateLink(_ context.Context, lc LinkContext) (Link, error) {
	if lc.AppointmentID == uuid.Nil {
		return Link{}, fmt.Errorf("meetlinks: jitsi: appointment id required")
	}
	room := "Consult-" + strings.ReplaceAll(lc.AppointmentID.String(), "-", "")
	return Link{URL: p.baseURL + "/" + room, Provider: p.Name(), ProviderID: room}, nil
}

// GoogleMeetProvider creates a calendar event with a Meet conference attached.
type GoogleMeetProvider struct {
	events     *calendar.EventsService
	calendarID string
}

// NewGoogleMeetProvider authenticates with a service-account credentials file.
func NewGoogleMeetProvider(ctx context.Context, calendarID, credentialsFile string) (*GoogleMeetProvider, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	svc, err := calendar.NewService(ctx, option.WithCredentialsFile(credentialsFile), option.WithScopes(calendar.CalendarEventsScope))
	if err != nil {
		return nil, fmt.Errorf("meetlinks: google calendar client: %w", err)
	}
	return &GoogleMeetProvider{events: calendar.NewEventsService(svc), calendarID: calendarID}, nil
}

func (p *GoogleMeetProvider) Name() string { return "google-meet" }

func (p *GoogleMeetProvider) GenerateLink(ctx context.Context, lc LinkContext) (Link, error) {
	duration := lc.DurationMinutes
	if duration <= 0 {
		duration = 30
	}
	summary := "Online consultation"
	if lc.DoctorName != "" {
		summary = fmt.Sprintf("Online consultation with %s", lc.DoctorName)
	}
	event := &calendar.Event{
		Summary:     summary,
		Description: lc.Reason,
		Start:       &calendar.EventDateTime{DateTime: lc.StartsAt.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: lc.StartsAt.Add(time.Duration(duration) * time.Minute).Format(time.RFC3339)},
		ConferenceData: &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             lc.AppointmentID.String(),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		},
	}
	for _, email := range []string{lc.DoctorEmail, lc.PatientEmail} {
		if email != "" {
			event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: email})
		}
	}

	created, err := p.events.Insert(p.calendarID, event).ConferenceDataVersion(1).Context(ctx).Do()
	if err != nil {
		return Link{}, fmt.Errorf("meetlinks: google calendar insert: %w", err)
	}
	if created.HangoutLink == "" {
		return Link{}, fmt.Errorf("meetlinks: google calendar event %s has no meet link", created.Id)
	}
	return Link{URL: created.HangoutLink, Provider: p.Name(), ProviderID: created.Id}, nil
}
