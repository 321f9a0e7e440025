package authkit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestSendCodeReplacesOutstandingCode(t *testing.T) {
	fixture := newAuthorityFixture(t)
	snapshot := fixture.register(t, "ada@example.com")
	first := fixture.notifier.last(t).payload
	ctx := context.Background()

	fixture.clock.Advance(time.Second)
	if err := fixture.authority.Codes().SendCode(ctx, "ada@example.com"); err != nil {
		t.Fatalf("send code: %v", err)
	}
	valid, err := fixture.codes.FindAllValid(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("find valid: %v", err)
	}
	if len(valid) != 1 {
		t.Fatalf("expected one valid code, got %d", len(valid))
	}
	second := fixture.notifier.last(t).payload
	if first != second {
		if err := fixture.authority.Codes().Verify(ctx, "ada@example.com", first); !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("superseded code must be invalid, got %v", err)
		}
	}
	if err := fixture.authority.Codes().Verify(ctx, "ada@example.com", second); err != nil {
		t.Fatalf("verify: %v", err)
	}
	subject, _ := fixture.users.FindByID(ctx, snapshot.ID)
	if !subject.Verified {
		t.Fatalf("subject must be verified")
	}
	if err := fixture.authority.Codes().Verify(ctx, "ada@example.com", second); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("used code must be invalid, got %v", err)
	}
}

func TestVerifyExpiredCodeIsInvalidated(t *testing.T) {
	fixture := newAuthorityFixture(t)
	snapshot := fixture.register(t, "ada@example.com")
	code := fixture.notifier.last(t).payload
	ctx := context.Background()

	fixture.clock.Advance(DefaultCodeTTL + time.Second)
	if err := fixture.authority.Codes().Verify(ctx, "ada@example.com", code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
	valid, _ := fixture.codes.FindAllValid(ctx, snapshot.ID)
	if len(valid) != 0 {
		t.Fatalf("expired code must be invalidated on first presentation")
	}
	if err := fixture.authority.Codes().Verify(ctx, "ada@example.com", code); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("second presentation must be invalid, got %v", err)
	}
	subject, _ := fixture.users.FindByID(ctx, snapshot.ID)
	if subject.Verified {
		t.Fatalf("expired code must not verify")
	}
}

func TestVerifyAtExactExpiryIsAccepted(t *testing.T) {
	fixture := newAuthorityFixture(t)
	fixture.register(t, "ada@example.com")
	code := fixture.notifier.last(t).payload

	fixture.clock.Advance(DefaultCodeTTL)
	if err := fixture.authority.Codes().Verify(context.Background(), "ada@example.com", code); err != nil {
		t.Fatalf("code at its expiry instant must still verify, got %v", err)
	}
}

func TestSendCodeUnknownSubject(t *testing.T) {
	fixture := newAuthorityFixture(t)
	if err := fixture.authority.Codes().SendCode(context.Background(), "ghost@example.com"); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}

func TestSendCodeDeliveryFailureIsNotFatal(t *testing.T) {
	fixture := newAuthorityFixture(t)
	fixture.notifier.failWith = errors.New("relay down")
	snapshot := fixture.register(t, "ada@example.com")

	if fixture.metrics.Count(metricCodeDeliveryFailures) != 1 {
		t.Fatalf("expected delivery failure metric")
	}
	valid, _ := fixture.codes.FindAllValid(context.Background(), snapshot.ID)
	if len(valid) != 1 {
		t.Fatalf("code must be stored even when delivery fails")
	}
}

func TestGenerateVerificationCode(t *testing.T) {
	original := codeRandomSource
	t.Cleanup(func() { codeRandomSource = original })

	codeRandomSource = bytes.NewReader(make([]byte, 64))
	code, err := generateVerificationCode(6)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if code != "000000" {
		t.Fatalf("expected zero padded code, got %q", code)
	}

	codeRandomSource = bytes.NewReader(nil)
	if _, err := generateVerificationCode(6); !errors.Is(err, io.EOF) {
		t.Fatalf("expected random source failure, got %v", err)
	}
}
