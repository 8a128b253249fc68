package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	appconfig "github.com/wolfman30/clinic-queue-platform/internal/config"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/internal/notify"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &appconfig.Config{RedisAddr: mr.Addr()}
	client := BuildRedisClient(context.Background(), cfg, logging.New("error"), true)
	if client == nil {
		t.Fatalf("expected client for live redis")
	}
	defer client.Close()
	if BuildClinicStore(client) == nil {
		t.Fatalf("expected clinic store")
	}
	if BuildClinicStore(nil) != nil {
		t.Fatalf("expected nil clinic store without redis")
	}
}

func TestBuildPostgresPoolEmptyURLReturnsNil(t *testing.T) {
	pool, err := BuildPostgresPool(context.Background(), &appconfig.Config{}, logging.New("error"))
	if err != nil || pool != nil {
		t.Fatalf("expected nil pool and no error, got %v %v", pool, err)
	}
}

func TestBuildEmailSenderFallsBackToStub(t *testing.T) {
	if _, _, err := BuildEmailSender(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for nil config")
	}

	cfg := &appconfig.Config{EmailProvider: "sendgrid"}
	sender, name, err := BuildEmailSender(context.Background(), cfg, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "stub" {
		t.Fatalf("expected stub without api key, got %s", name)
	}
	if _, ok := sender.(*notify.StubEmailSender); !ok {
		t.Fatalf("expected StubEmailSender, got %T", sender)
	}

	cfg = &appconfig.Config{EmailProvider: "sendgrid", SendGridAPIKey: "SG.test", EmailFromEmail: "desk@example.com"}
	if _, name, _ := BuildEmailSender(context.Background(), cfg, nil); name != "sendgrid" {
		t.Fatalf("expected sendgrid, got %s", name)
	}
}

func TestBuildMeetLinkProvidersDefaultsToJitsi(t *testing.T) {
	primary, fallback := BuildMeetLinkProviders(context.Background(), &appconfig.Config{JitsiBaseURL: "https://meet.example.org"}, nil)
	if _, ok := primary.(*meetlinks.JitsiProvider); !ok {
		t.Fatalf("expected jitsi primary, got %T", primary)
	}
	if fallback != nil {
		t.Fatalf("expected no fallback, got %T", fallback)
	}
}

func TestBuildRefundGatewayRequiresKeys(t *testing.T) {
	if gw := BuildRefundGateway(&appconfig.Config{}, nil); gw != nil {
		t.Fatalf("expected nil gateway without keys")
	}
	gw := BuildRefundGateway(&appconfig.Config{RazorpayKeyID: "rzp", RazorpayKeySecret: "s"}, nil)
	if gw == nil {
		t.Fatalf("expected gateway with keys")
	}
}

func TestRefundPolicyFromConfig(t *testing.T) {
	p := RefundPolicy(&appconfig.Config{
		RefundFullWindow:        4 * time.Hour,
		RefundPartialPercent:    40,
		RefundGatewayFeeBPS:     200,
		RefundCompensationPaise: 2500,
		RefundMinimumPaise:      100,
	})
	if p.FullRefundWindow != 4*time.Hour || p.PartialRefundPercent != 40 || p.GatewayFeeBasisPoints != 200 || p.CompensationPaise != 2500 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if RefundPolicy(nil) != RefundPolicy(&appconfig.Config{RefundPartialPercent: -1, RefundGatewayFeeBPS: -1, RefundCompensationPaise: -1, RefundMinimumPaise: -1}) {
		t.Fatalf("expected defaults for invalid values")
	}
}
