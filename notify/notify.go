// Package notify delivers post-run notifications through webhook-style
// providers. The provider table is declarative and built at startup;
// delivery goes through a retrying HTTP client that refuses redirects to
// and resolutions of private address space.
package notify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/errors"
)

// DefaultTimeout bounds one delivery attempt end to end.
const DefaultTimeout = 30 * time.Second

// Message is one rendered notification ready for delivery.
type Message struct {
	Title string
	Body  string

	// Priority is provider-specific; providers that have no notion of
	// priority ignore it.
	Priority int
}

// Options tunes the service. The zero value is production configuration.
type Options struct {
	// Timeout per delivery attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// AllowPrivateHosts disables the private-address guard. Tests use it
	// to deliver against loopback listeners.
	AllowPrivateHosts bool

	// RetryMax is the number of retries after the first attempt.
	// Zero means 2.
	RetryMax int
}

// Service delivers messages to configured providers.
type Service struct {
	client *retryingClient
	logger *zap.SugaredLogger
}

// NewService builds the delivery service.
func NewService(opts Options, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = 2
	}
	return &Service{
		client: newRetryingClient(timeout, retryMax, !opts.AllowPrivateHosts),
		logger: logger,
	}
}

// Deliver sends msg through the named provider using its decrypted
// configuration map. A nil error means the provider accepted the message.
func (s *Service) Deliver(ctx context.Context, provider string, cfg map[string]string, msg Message) error {
	p, ok := Lookup(provider)
	if !ok {
		return errors.NewInvalidRequestError("unknown notification provider %q", provider)
	}

	target, err := p.endpoint(cfg)
	if err != nil {
		return errors.Wrapf(err, "provider %s endpoint", provider)
	}
	contentType, body, err := p.payload(cfg, msg)
	if err != nil {
		return errors.Wrapf(err, "provider %s payload", provider)
	}

	resp, err := s.client.post(ctx, target, contentType, body)
	if err != nil {
		return errors.Wrapf(err, "delivery via %s failed", provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("provider %s rejected notification: %s: %s",
			provider, resp.Status, strings.TrimSpace(string(detail)))
	}

	s.logger.Debugw("Notification delivered", "provider", provider, "status", resp.StatusCode)
	return nil
}
