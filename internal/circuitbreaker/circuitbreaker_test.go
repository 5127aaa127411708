package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
)

func newTestBreaker(maxFailures int, recovery time.Duration) *CircuitBreaker {
	return New(Config{
		Name:                "test",
		MaxFailures:         maxFailures,
		RecoveryTimeout:     recovery,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		cb.RecordFailure()
	}

	if cb.GetState() != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("open circuit should reject requests")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed, got %s", cb.GetState())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	// Recovery timeout elapsed: one probe allowed.
	if !cb.Allow() {
		t.Fatal("probe should be allowed after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("second request in half-open should be rejected")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.GetState())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.Allow()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("expected re-opened after failed probe, got %s", cb.GetState())
	}
}

// fakeSender counts calls and fails on demand.
type fakeSender struct {
	calls int
	fail  bool
}

func (f *fakeSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	f.calls++
	if f.fail {
		return "", errs.Transient(errors.New("gateway timeout"))
	}
	return "provider-id", nil
}

func (f *fakeSender) SupportsChannel(channel string) bool { return true }

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	sender := &fakeSender{fail: true}
	cb := newTestBreaker(2, time.Minute)
	protected := NewProtectedSender(sender, cb, zap.NewNop())

	msg := &db.Message{ID: uuid.New(), Channel: db.ChannelSMS}
	ctx := context.Background()

	protected.Send(ctx, msg)
	protected.Send(ctx, msg)

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	_, err := protected.Send(ctx, msg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if errs.IsPermanent(err) {
		t.Error("open-circuit error must be transient so the message retries")
	}
	if sender.calls != 2 {
		t.Errorf("provider should not be called while open, got %d calls", sender.calls)
	}
}

func TestProtectedSender_PassesThroughSuccess(t *testing.T) {
	sender := &fakeSender{}
	protected := NewProtectedSender(sender, newTestBreaker(2, time.Minute), zap.NewNop())

	providerID, err := protected.Send(context.Background(), &db.Message{ID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providerID != "provider-id" {
		t.Errorf("expected provider-id, got %s", providerID)
	}
}
