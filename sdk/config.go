package speechwire

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxa-labs/speechwire/pkg/transport"
)

// RecognitionMode selects the service-side endpointing behavior.
type RecognitionMode string

const (
	ModeInteractive  RecognitionMode = "interactive"
	ModeConversation RecognitionMode = "conversation"
	ModeDictation    RecognitionMode = "dictation"
)

// OutputFormat selects simple or detailed (N-best) phrase results.
type OutputFormat string

const (
	OutputSimple   OutputFormat = "simple"
	OutputDetailed OutputFormat = "detailed"
)

const (
	defaultMaxRetryCount = 4
	defaultFastLane      = 5 * time.Second
)

// ProcessConfig carries process-wide switches that used to be globals. A
// zero value is not usable; construct with NewProcessConfig and adjust.
type ProcessConfig struct {
	// TelemetryEnabled gates both the telemetry channel and the full
	// speech.config document. When false only the system section is sent.
	TelemetryEnabled bool
	// TelemetrySink, when set, receives every telemetry JSON document as it
	// is flushed to the service.
	TelemetrySink func(requestID string, payload string)
	// MaxRetryCount bounds connection attempts per recognition: a turn may
	// try MaxRetryCount+1 times before failing.
	MaxRetryCount int
	// FastLaneDuration is how much leading audio is sent unthrottled before
	// pacing kicks in.
	FastLaneDuration time.Duration
	Logger           *slog.Logger
}

// NewProcessConfig returns the default process configuration.
func NewProcessConfig() *ProcessConfig {
	return &ProcessConfig{
		TelemetryEnabled: true,
		MaxRetryCount:    defaultMaxRetryCount,
		FastLaneDuration: defaultFastLane,
		Logger:           slog.Default(),
	}
}

func (p *ProcessConfig) logger() *slog.Logger {
	if p == nil || p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// RecognizerConfig describes one recognizer: where to connect and how the
// service should behave.
type RecognizerConfig struct {
	Endpoint     string
	Language     string
	Mode         RecognitionMode
	OutputFormat OutputFormat
	// Continuous keeps the session alive across turn boundaries.
	Continuous bool
	// Parameters are passed through as URL query parameters.
	Parameters map[string]string
}

// AuthInfo is a resolved credential: the header to set and its value.
type AuthInfo struct {
	HeaderName string
	Token      string
}

// AuthProvider supplies credentials for connection attempts. FetchOnExpiry
// is called instead of Fetch after an abnormal closure (code 1006), which
// the service uses to signal an expired token.
type AuthProvider interface {
	Fetch(ctx context.Context, authFetchID string) (AuthInfo, error)
	FetchOnExpiry(ctx context.Context, authFetchID string) (AuthInfo, error)
}

// SubscriptionKeyAuth authenticates with a static subscription key.
type SubscriptionKeyAuth struct {
	Key string
}

func (a SubscriptionKeyAuth) Fetch(context.Context, string) (AuthInfo, error) {
	return AuthInfo{HeaderName: "Ocp-Apim-Subscription-Key", Token: a.Key}, nil
}

func (a SubscriptionKeyAuth) FetchOnExpiry(ctx context.Context, id string) (AuthInfo, error) {
	return a.Fetch(ctx, id)
}

// TokenAuth authenticates with caller-supplied token callbacks, letting the
// application refresh tokens on expiry.
type TokenAuth struct {
	FetchToken         func(ctx context.Context, authFetchID string) (string, error)
	FetchTokenOnExpiry func(ctx context.Context, authFetchID string) (string, error)
}

func (a TokenAuth) Fetch(ctx context.Context, id string) (AuthInfo, error) {
	token, err := a.FetchToken(ctx, id)
	if err != nil {
		return AuthInfo{}, err
	}
	return AuthInfo{HeaderName: "Authorization", Token: "Bearer " + token}, nil
}

func (a TokenAuth) FetchOnExpiry(ctx context.Context, id string) (AuthInfo, error) {
	fetch := a.FetchTokenOnExpiry
	if fetch == nil {
		fetch = a.FetchToken
	}
	token, err := fetch(ctx, id)
	if err != nil {
		return AuthInfo{}, err
	}
	return AuthInfo{HeaderName: "Authorization", Token: "Bearer " + token}, nil
}

// ConnectionFactory builds transport connections. The production factory
// dials websockets; tests substitute fakes.
type ConnectionFactory interface {
	Create(config *RecognizerConfig, auth AuthInfo, connectionID string) (transport.Connection, error)
}

// WebsocketConnectionFactory is the production ConnectionFactory.
type WebsocketConnectionFactory struct{}

func (WebsocketConnectionFactory) Create(config *RecognizerConfig, auth AuthInfo, connectionID string) (transport.Connection, error) {
	url := config.Endpoint
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	if config.Language != "" {
		url += sep + "language=" + config.Language
		sep = "&"
	}
	if config.OutputFormat != "" {
		url += sep + "format=" + string(config.OutputFormat)
		sep = "&"
	}
	for k, v := range config.Parameters {
		url += sep + k + "=" + v
		sep = "&"
	}

	headers := http.Header{}
	headers.Set(auth.HeaderName, auth.Token)
	headers.Set("X-ConnectionId", connectionID)

	return transport.NewWebsocketConnection(connectionID, url, headers), nil
}

// newNoDashGUID generates the id format the service expects in headers.
func newNoDashGUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
