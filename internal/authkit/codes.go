package authkit

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/delegauth/pkg/credential"
	"go.uber.org/zap"
)

var codeRandomSource io.Reader = rand.Reader

// CodeAuthority issues and checks email verification codes. A subject holds
// at most one valid code; expiry is evaluated when a code is presented.
type CodeAuthority struct {
	users    UserStore
	codes    CodeStore
	notifier Notifier
	clock    credential.Clock
	logger   *zap.Logger
	metrics  MetricsRecorder
	ttl      time.Duration
	length   int
	dispatch func(func())
}

// CodeAuthorityDependencies wires the collaborators of a CodeAuthority.
type CodeAuthorityDependencies struct {
	Users    UserStore
	Codes    CodeStore
	Notifier Notifier
	Clock    credential.Clock
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

// NewCodeAuthority constructs a CodeAuthority using configuration's code TTL and length.
func NewCodeAuthority(configuration ServerConfig, dependencies CodeAuthorityDependencies) *CodeAuthority {
	configuration = configuration.withDefaults()
	authority := &CodeAuthority{
		users:    dependencies.Users,
		codes:    dependencies.Codes,
		notifier: dependencies.Notifier,
		clock:    dependencies.Clock,
		logger:   dependencies.Logger,
		metrics:  dependencies.Metrics,
		ttl:      configuration.CodeTTL,
		length:   configuration.CodeLength,
		dispatch: func(send func()) { go send() },
	}
	if authority.clock == nil {
		authority.clock = credential.SystemClock{}
	}
	if authority.logger == nil {
		authority.logger = zap.NewNop()
	}
	if authority.metrics == nil {
		authority.metrics = noopMetrics{}
	}
	if authority.notifier == nil {
		authority.notifier = NewLogNotifier(authority.logger)
	}
	return authority
}

// SendCode replaces any outstanding code for email with a fresh one and
// hands it to the notifier without waiting for delivery.
func (authority *CodeAuthority) SendCode(ctx context.Context, email string) error {
	subject, err := authority.users.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	codeText, err := generateVerificationCode(authority.length)
	if err != nil {
		return fmt.Errorf("code_authority.send_code: %w", err)
	}
	now := authority.clock.Now().UTC()
	code := VerificationCode{
		ID:        uuid.NewString(),
		SubjectID: subject.ID,
		Code:      codeText,
		ExpiresAt: now.Add(authority.ttl),
		Valid:     true,
		CreatedAt: now,
	}
	if err := authority.codes.Replace(ctx, code); err != nil {
		return err
	}
	authority.metrics.Increment(metricCodeIssued)

	destination := subject.Email
	deliveryContext := context.WithoutCancel(ctx)
	authority.dispatch(func() {
		if sendErr := authority.notifier.Send(deliveryContext, destination, codeText); sendErr != nil {
			authority.metrics.Increment(metricCodeDeliveryFailures)
			authority.logger.Warn("verification code delivery failed",
				zap.String("code", "code_authority.delivery_failed"),
				zap.String("destination", destination),
				zap.Error(sendErr))
		}
	})
	return nil
}

// Verify checks codeText for email. An expired code is invalidated and
// reported as ErrCodeExpired; a match marks the subject verified.
func (authority *CodeAuthority) Verify(ctx context.Context, email string, codeText string) error {
	subject, err := authority.users.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	code, err := authority.codes.FindValid(ctx, subject.ID, codeText)
	if err != nil {
		authority.metrics.Increment(metricCodeRejected)
		return err
	}
	if authority.clock.Now().After(code.ExpiresAt) {
		authority.metrics.Increment(metricCodeRejected)
		if invalidateErr := authority.codes.Invalidate(ctx, code.ID); invalidateErr != nil {
			return invalidateErr
		}
		return fmt.Errorf("code_authority.verify: %w", ErrCodeExpired)
	}
	subject.Verified = true
	if err := authority.users.Update(ctx, subject); err != nil {
		return err
	}
	if err := authority.codes.Invalidate(ctx, code.ID); err != nil {
		return err
	}
	authority.metrics.Increment(metricCodeVerified)
	authority.logger.Info("subject verified",
		zap.String("code", "code_authority.verified"),
		zap.Int64("subject_id", subject.ID))
	return nil
}

func generateVerificationCode(length int) (string, error) {
	upperBound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	value, err := rand.Int(codeRandomSource, upperBound)
	if err != nil {
		return "", fmt.Errorf("code_authority.random: %w", err)
	}
	return fmt.Sprintf("%0*d", length, value), nil
}
