package refunds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// RazorpayGateway refunds captured payments through the Razorpay Refunds API.
type RazorpayGateway struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewRazorpayGateway(baseURL, keyID, keySecret string, logger *logging.Logger) *RazorpayGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.razorpay.com"
	}
	return &RazorpayGateway{
		baseURL:    baseURL,
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.Component("razorpay"),
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (g *RazorpayGateway) WithHTTPClient(c *http.Client) *RazorpayGateway {
	if c != nil {
		g.httpClient = c
	}
	return g
}

// Refund issues a partial or full refund of transactionID.
func (g *RazorpayGateway) Refund(ctx context.Context, transactionID string, amountPaise int64, notes map[string]string) (GatewayRefund, error) {
	ctx, span := tracer.Start(ctx, "razorpay.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("razorpay.payment_id", transactionID),
		attribute.Int64("refund.amount_paise", amountPaise),
	)

	body := map[string]any{
		"amount": amountPaise,
		"speed":  "normal",
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return GatewayRefund{}, fmt.Errorf("refunds: razorpay marshal: %w", err)
	}

	apiURL := fmt.Sprintf("%s/v1/payments/%s/refund", g.baseURL, url.PathEscape(transactionID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return GatewayRefund{}, fmt.Errorf("refunds: razorpay request: %w", err)
	}
	httpReq.SetBasicAuth(g.keyID, g.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")
	if id := notes["appointment_id"]; id != "" {
		httpReq.Header.Set("X-Refund-Idempotency", "refund-"+id)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http error")
		return GatewayRefund{}, fmt.Errorf("refunds: razorpay http: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		g.logger.Error("razorpay refund failed",
			"status", resp.StatusCode,
			"body", string(respBody),
			"payment_id", transactionID,
		)
		span.SetStatus(codes.Error, "api error")
		return GatewayRefund{}, fmt.Errorf("refunds: razorpay api status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return GatewayRefund{}, fmt.Errorf("refunds: razorpay decode: %w", err)
	}
	if parsed.Status == "failed" {
		return GatewayRefund{}, fmt.Errorf("refunds: razorpay refund %s failed", parsed.ID)
	}

	g.logger.Info("razorpay refund created",
		"refund_id", parsed.ID,
		"payment_id", transactionID,
		"status", parsed.Status,
		"amount_paise", parsed.Amount,
	)
	return GatewayRefund{
		ID:      parsed.ID,
		Status:  parsed.Status,
		Pending: parsed.Status == "pending",
	}, nil
}
