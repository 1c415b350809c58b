package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/lalithlochan/stockalert/internal/circuitbreaker"
	"github.com/lalithlochan/stockalert/internal/metrics"
)

// ProtectedSender wraps a MailSender with a circuit breaker. While the breaker
// is open, sends fail immediately with circuitbreaker.ErrCircuitOpen and the
// dispatcher reschedules the job like any other failed attempt.
type ProtectedSender struct {
	sender  MailSender
	breaker *circuitbreaker.CircuitBreaker
}

func NewProtectedSender(sender MailSender, breaker *circuitbreaker.CircuitBreaker) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker}
}

func (p *ProtectedSender) Send(ctx context.Context, msg MailMessage) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.Send(ctx, msg)
	})
}

// Breaker exposes the breaker for status reporting
func (p *ProtectedSender) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// ThrottledSender caps the global send rate. Send blocks until a token is
// available or ctx is done.
type ThrottledSender struct {
	sender  MailSender
	limiter *rate.Limiter
}

// NewThrottledSender allows perSecond sends per second with a burst of the same size
func NewThrottledSender(sender MailSender, perSecond float64) *ThrottledSender {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &ThrottledSender{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (t *ThrottledSender) Send(ctx context.Context, msg MailMessage) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	return t.sender.Send(ctx, msg)
}

// TimeoutSender bounds every send with a deadline
type TimeoutSender struct {
	sender  MailSender
	timeout time.Duration
}

func NewTimeoutSender(sender MailSender, timeout time.Duration) *TimeoutSender {
	return &TimeoutSender{sender: sender, timeout: timeout}
}

func (t *TimeoutSender) Send(ctx context.Context, msg MailMessage) error {
	if t.timeout <= 0 {
		return t.sender.Send(ctx, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.sender.Send(ctx, msg)
}

// InstrumentedSender records latency and outcome of every send
type InstrumentedSender struct {
	sender MailSender
}

func NewInstrumentedSender(sender MailSender) *InstrumentedSender {
	return &InstrumentedSender{sender: sender}
}

func (s *InstrumentedSender) Send(ctx context.Context, msg MailMessage) error {
	start := time.Now()
	err := s.sender.Send(ctx, msg)
	metrics.RecordSend(string(msg.Kind), err == nil, time.Since(start))
	return err
}
