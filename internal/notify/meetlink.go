package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// MeetLinkNotifier emails a generated consultation link to one party.
type MeetLinkNotifier struct {
	email  EmailSender
	logger *logging.Logger
}

func NewMeetLinkNotifier(email EmailSender, logger *logging.Logger) *MeetLinkNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &MeetLinkNotifier{email: email, logger: logger.Component("notify")}
}

// Notify implements meetlinks.Notifier.
func (n *MeetLinkNotifier) Notify(ctx context.Context, to meetlinks.Recipient, lc meetlinks.LinkContext, role appointments.Role) error {
	if n.email == nil {
		return fmt.Errorf("notify: no email sender configured")
	}
	if strings.TrimSpace(to.Email) == "" {
		return fmt.Errorf("notify: no email address for %s %s", role, to.ID)
	}
	if lc.MeetLink == "" {
		return fmt.Errorf("notify: appointment %s has no meet link", lc.AppointmentID)
	}

	msg := meetLinkMessage(to, lc, role)
	if err := n.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: send meet link to %s: %w", role, err)
	}
	n.logger.Info("meet link delivered", "appointment_id", lc.AppointmentID, "role", role)
	return nil
}

func meetLinkMessage(to meetlinks.Recipient, lc meetlinks.LinkContext, role appointments.Role) EmailMessage {
	when := fmt.Sprintf("%s at %s", lc.Date, lc.Time)
	greeting := "Hello"
	if to.Name != "" {
		greeting = "Hello " + to.Name
	}

	var subject, counterpart string
	switch role {
	case appointments.RoleDoctor:
		subject = fmt.Sprintf("Consultation link: %s", when)
		counterpart = orDefault(lc.PatientName, "your patient")
	default:
		subject = fmt.Sprintf("Your online consultation starts soon (%s)", when)
		counterpart = orDefault(lc.DoctorName, "your doctor")
	}

	body := fmt.Sprintf(`%s,

Your online consultation with %s is scheduled for %s.

Join here: %s

Please join a few minutes early and check your camera and microphone.
`, greeting, counterpart, when, lc.MeetLink)

	return EmailMessage{
		To:       to.Email,
		ToName:   to.Name,
		Subject:  subject,
		Body:     body,
		Category: "meet_link",
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
