package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/delegauth/pkg/credential"
	"go.uber.org/zap"
)

// DefaultBridgeTimeout bounds each authority call made by the bridge.
const DefaultBridgeTimeout = 5 * time.Second

var (
	// ErrEscalationRejected matches every RejectionError.
	ErrEscalationRejected = errors.New("bridge.escalation_rejected")
	// ErrBridgeTransport indicates the authority could not be reached or answered garbage.
	ErrBridgeTransport = errors.New("bridge.transport")
	// ErrMissingAuthorityURL indicates the bridge was built without an authority URL.
	ErrMissingAuthorityURL = errors.New("bridge.missing_authority_url")
)

// RejectionError reports the non-2xx status the authority answered at a bridge step.
type RejectionError struct {
	Step   string
	Status int
}

func (rejection *RejectionError) Error() string {
	return fmt.Sprintf("bridge.%s: %s: status %d", rejection.Step, ErrEscalationRejected, rejection.Status)
}

// Is lets errors.Is match ErrEscalationRejected.
func (rejection *RejectionError) Is(target error) bool {
	return target == ErrEscalationRejected
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	AuthorityURL string
	Client       *http.Client
	Mirror       MirrorStore
	Clock        credential.Clock
	Logger       *zap.Logger
	Timeout      time.Duration
}

// Bridge asks the authority to grant ROLE_EXECUTOR on behalf of the caller and
// mirrors the promoted subject locally. The caller's bearer is forwarded
// unchanged, so the authority makes the admin decision itself.
type Bridge struct {
	authorityURL string
	client       *http.Client
	mirror       MirrorStore
	clock        credential.Clock
	logger       *zap.Logger
	timeout      time.Duration
}

// NewBridge validates configuration and constructs a Bridge.
func NewBridge(configuration BridgeConfig) (*Bridge, error) {
	authorityURL := strings.TrimRight(strings.TrimSpace(configuration.AuthorityURL), "/")
	if authorityURL == "" {
		return nil, fmt.Errorf("bridge.new: %w", ErrMissingAuthorityURL)
	}
	if configuration.Mirror == nil {
		return nil, errors.New("bridge.new: mirror store is required")
	}
	bridge := &Bridge{
		authorityURL: authorityURL,
		client:       configuration.Client,
		mirror:       configuration.Mirror,
		clock:        configuration.Clock,
		logger:       configuration.Logger,
		timeout:      configuration.Timeout,
	}
	if bridge.client == nil {
		bridge.client = http.DefaultClient
	}
	if bridge.clock == nil {
		bridge.clock = credential.SystemClock{}
	}
	if bridge.logger == nil {
		bridge.logger = zap.NewNop()
	}
	if bridge.timeout <= 0 {
		bridge.timeout = DefaultBridgeTimeout
	}
	return bridge, nil
}

type executorSnapshot struct {
	ID    int64              `json:"id"`
	Email string             `json:"email"`
	Name  string             `json:"name"`
	Roles credential.RoleSet `json:"roles"`
}

// Escalate promotes subjectID to executor, reads the resulting subject back
// and stores it in the mirror. Nothing is mirrored when either call is rejected.
func (bridge *Bridge) Escalate(ctx context.Context, bearer string, subjectID int64) (MirroredSubject, error) {
	endpoint := fmt.Sprintf("%s/auth/executor/%d", bridge.authorityURL, subjectID)
	if _, err := bridge.call(ctx, "assign", http.MethodPost, endpoint, bearer); err != nil {
		return MirroredSubject{}, err
	}
	body, err := bridge.call(ctx, "read", http.MethodGet, endpoint, bearer)
	if err != nil {
		return MirroredSubject{}, err
	}
	var snapshot executorSnapshot
	if decodeErr := json.Unmarshal(body, &snapshot); decodeErr != nil || snapshot.Email == "" {
		return MirroredSubject{}, fmt.Errorf("bridge.read: %w: undecodable subject", ErrBridgeTransport)
	}
	mirrored := MirroredSubject{
		SubjectID:  snapshot.ID,
		Email:      snapshot.Email,
		Name:       snapshot.Name,
		Roles:      snapshot.Roles,
		MirroredAt: bridge.clock.Now().UTC(),
	}
	if upsertErr := bridge.mirror.Upsert(ctx, mirrored); upsertErr != nil {
		return MirroredSubject{}, upsertErr
	}
	bridge.logger.Info("executor mirrored",
		zap.String("code", "bridge.mirrored"),
		zap.Int64("subject_id", mirrored.SubjectID),
		zap.String("email", mirrored.Email))
	return mirrored, nil
}

func (bridge *Bridge) call(ctx context.Context, step string, method string, endpoint string, bearer string) ([]byte, error) {
	requestContext, cancel := context.WithTimeout(ctx, bridge.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestContext, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge.%s: %w: %w", step, ErrBridgeTransport, err)
	}
	request.Header.Set("Authorization", "Bearer "+bearer)
	response, err := bridge.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("bridge.%s: %w: %w", step, ErrBridgeTransport, err)
	}
	defer response.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &RejectionError{Step: step, Status: response.StatusCode}
	}
	if readErr != nil {
		return nil, fmt.Errorf("bridge.%s: %w: %w", step, ErrBridgeTransport, readErr)
	}
	return body, nil
}
