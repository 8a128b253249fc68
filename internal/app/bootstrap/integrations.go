package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/clinic-queue-platform/internal/config"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/internal/notify"
	"github.com/wolfman30/clinic-queue-platform/internal/refunds"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// BuildEmailSender picks the configured email transport. It falls back to the
// stub sender when the chosen provider is not configured.
func BuildEmailSender(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (notify.EmailSender, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.EmailProvider {
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFromEmail,
			FromName:  cfg.EmailFromName,
		}, logger)
		if sender != nil {
			return sender, "sendgrid", nil
		}
		logger.Warn("sendgrid selected but SENDGRID_API_KEY is empty; using stub sender")
	case "ses":
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, "", fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail:        cfg.EmailFromEmail,
			FromName:         cfg.EmailFromName,
			ConfigurationSet: cfg.SESConfigSet,
		}, logger)
		return sender, "ses", nil
	case "", "stub":
	default:
		logger.Warn("unknown EMAIL_PROVIDER; using stub sender", "provider", cfg.EmailProvider)
	}
	return notify.NewStubEmailSender(logger), "stub", nil
}

// BuildMeetLinkProviders returns the primary and fallback link providers.
// Google Meet is primary when credentials are configured, with Jitsi as the
// fallback; otherwise Jitsi alone.
func BuildMeetLinkProviders(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (meetlinks.Provider, meetlinks.Provider) {
	if logger == nil {
		logger = logging.Default()
	}
	jitsi := meetlinks.NewJitsiProvider(cfg.JitsiBaseURL)
	if cfg.GoogleCredentialsFile == "" {
		return jitsi, nil
	}
	google, err := meetlinks.NewGoogleMeetProvider(ctx, cfg.GoogleCalendarID, cfg.GoogleCredentialsFile)
	if err != nil {
		logger.Warn("google meet unavailable; using jitsi only", "error", err)
		return jitsi, nil
	}
	return google, jitsi
}

// BuildRefundGateway returns the Razorpay gateway, or nil when keys are unset.
func BuildRefundGateway(cfg *appconfig.Config, logger *logging.Logger) refunds.Gateway {
	if cfg == nil || !cfg.RazorpayEnabled() {
		return nil
	}
	return refunds.NewRazorpayGateway(cfg.RazorpayBaseURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret, logger)
}

// RefundPolicy maps the REFUND_* settings onto a policy.
func RefundPolicy(cfg *appconfig.Config) refunds.Policy {
	p := refunds.DefaultPolicy()
	if cfg == nil {
		return p
	}
	if cfg.RefundFullWindow > 0 {
		p.FullRefundWindow = cfg.RefundFullWindow
	}
	if cfg.RefundPartialPercent >= 0 && cfg.RefundPartialPercent <= 100 {
		p.PartialRefundPercent = cfg.RefundPartialPercent
	}
	if cfg.RefundGatewayFeeBPS >= 0 {
		p.GatewayFeeBasisPoints = int64(cfg.RefundGatewayFeeBPS)
	}
	if cfg.RefundCompensationPaise >= 0 {
		p.CompensationPaise = cfg.RefundCompensationPaise
	}
	if cfg.RefundMinimumPaise >= 0 {
		p.MinimumRefundPaise = cfg.RefundMinimumPaise
	}
	return p
}
