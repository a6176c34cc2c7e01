package oauth

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// InputLengthRestrictions bounds the size of incoming protocol parameters.
type InputLengthRestrictions struct {
	ClientID               int
	ClientSecret           int
	Scope                  int
	RedirectURI            int
	Nonce                  int
	State                  int
	UILocales              int
	LoginHint              int
	AcrValues              int
	IDTokenHint            int
	GrantType              int
	AuthorizationCode      int
	RefreshToken           int
	TokenHandle            int
	DeviceCode             int
	UserCode               int
	ResourceIndicator      int
	CodeChallengeMinLength int
	CodeChallengeMaxLength int
	CodeVerifierMinLength  int
	CodeVerifierMaxLength  int
}

// DefaultInputLengthRestrictions returns the built-in limits.
func DefaultInputLengthRestrictions() InputLengthRestrictions {
	return InputLengthRestrictions{
		ClientID:               100,
		ClientSecret:           100,
		Scope:                  300,
		RedirectURI:            400,
		Nonce:                  300,
		State:                  2000,
		UILocales:              100,
		LoginHint:              100,
		AcrValues:              300,
		IDTokenHint:            4000,
		GrantType:              100,
		AuthorizationCode:      100,
		RefreshToken:           100,
		TokenHandle:            100,
		DeviceCode:             100,
		UserCode:               100,
		ResourceIndicator:      512,
		CodeChallengeMinLength: 43,
		CodeChallengeMaxLength: 128,
		CodeVerifierMinLength:  43,
		CodeVerifierMaxLength:  128,
	}
}

// CleanupConfig drives the persisted grant sweeper.
type CleanupConfig struct {
	Enabled                bool
	Interval               time.Duration
	BatchSize              int
	RemoveConsumedTokens   bool
	ConsumedTokenRetention time.Duration
}

// KeyManagementConfig drives automatic signing key rotation.
type KeyManagementConfig struct {
	Enabled           bool
	SigningAlgorithms []string
	UseX509           bool
	RotationInterval  time.Duration
	PropagationTime   time.Duration
	RetentionDuration time.Duration
	CacheDuration     time.Duration
	DataProtectKeys   bool
	RSAKeySize        int
}

// Config holds OAuth server settings.
type Config struct {
	Issuer   string
	PathBase string

	InputLengths InputLengthRestrictions

	LoginURL              string
	LogoutURL             string
	ConsentURL            string
	ErrorURL              string
	DeviceVerificationURL string
	ReturnURLParameter    string

	AuthorizeMessageLifetime time.Duration
	ErrorMessageLifetime     time.Duration
	EmitIssuerIdentification bool

	SessionCookieName string
	SessionLifetime   time.Duration
	DataProtectionKey string

	DeviceCodeInterval time.Duration
	UserCodeLength     int

	DCRMode        string
	DCRAccessToken string

	Cleanup CleanupConfig
	Keys    KeyManagementConfig
}

// LoadConfigFromEnv loads OAuth config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, errors.New("OAUTH_ISSUER is required")
	}

	dcrMode := strings.ToLower(strings.TrimSpace(os.Getenv("OAUTH_DCR_MODE")))
	if dcrMode == "" {
		dcrMode = "protected"
	}

	algs := parseListEnv("OAUTH_SIGNING_ALGORITHMS", []string{"RS256"})

	cfg := Config{
		Issuer:                   strings.TrimRight(issuer, "/"),
		PathBase:                 strings.TrimRight(os.Getenv("OAUTH_PATH_BASE"), "/"),
		InputLengths:             DefaultInputLengthRestrictions(),
		LoginURL:                 stringEnv("OAUTH_LOGIN_URL", "/account/login"),
		LogoutURL:                stringEnv("OAUTH_LOGOUT_URL", "/account/logout"),
		ConsentURL:               stringEnv("OAUTH_CONSENT_URL", "/account/consent"),
		ErrorURL:                 stringEnv("OAUTH_ERROR_URL", "/home/error"),
		DeviceVerificationURL:    stringEnv("OAUTH_DEVICE_VERIFICATION_URL", "/account/device"),
		ReturnURLParameter:       stringEnv("OAUTH_RETURN_URL_PARAMETER", "returnUrl"),
		AuthorizeMessageLifetime: parseDurationEnv("OAUTH_AUTHORIZE_MESSAGE_LIFETIME", 15*time.Minute),
		ErrorMessageLifetime:     parseDurationEnv("OAUTH_ERROR_MESSAGE_LIFETIME", 10*time.Minute),
		EmitIssuerIdentification: parseBoolEnv("OAUTH_EMIT_ISS", true),
		SessionCookieName:        stringEnv("OAUTH_SESSION_COOKIE", "idsrv.session"),
		SessionLifetime:          parseDurationEnv("OAUTH_SESSION_LIFETIME", 8*time.Hour),
		DataProtectionKey:        strings.TrimSpace(os.Getenv("OAUTH_DATA_PROTECTION_KEY")),
		DeviceCodeInterval:       parseDurationEnv("OAUTH_DEVICE_CODE_INTERVAL", 5*time.Second),
		UserCodeLength:           parseIntEnv("OAUTH_USER_CODE_LENGTH", 8),
		DCRMode:                  dcrMode,
		DCRAccessToken:           os.Getenv("OAUTH_DCR_ACCESS_TOKEN"),
		Cleanup: CleanupConfig{
			Enabled:                parseBoolEnv("OAUTH_TOKEN_CLEANUP_ENABLED", true),
			Interval:               parseDurationEnv("OAUTH_TOKEN_CLEANUP_INTERVAL", time.Hour),
			BatchSize:              parseIntEnv("OAUTH_TOKEN_CLEANUP_BATCH_SIZE", 100),
			RemoveConsumedTokens:   parseBoolEnv("OAUTH_REMOVE_CONSUMED_TOKENS", false),
			ConsumedTokenRetention: parseDurationEnv("OAUTH_CONSUMED_TOKEN_RETENTION", 0),
		},
		Keys: KeyManagementConfig{
			Enabled:           parseBoolEnv("OAUTH_KEY_MANAGEMENT_ENABLED", true),
			SigningAlgorithms: algs,
			UseX509:           parseBoolEnv("OAUTH_KEY_USE_X509", false),
			RotationInterval:  parseDurationEnv("OAUTH_KEY_ROTATION_INTERVAL", 90*24*time.Hour),
			PropagationTime:   parseDurationEnv("OAUTH_KEY_PROPAGATION_TIME", 14*24*time.Hour),
			RetentionDuration: parseDurationEnv("OAUTH_KEY_RETENTION_DURATION", 14*24*time.Hour),
			CacheDuration:     parseDurationEnv("OAUTH_KEY_CACHE_DURATION", time.Hour),
			DataProtectKeys:   parseBoolEnv("OAUTH_KEY_DATA_PROTECT", true),
			RSAKeySize:        parseIntEnv("OAUTH_KEY_RSA_SIZE", 2048),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Cleanup.Enabled {
		if c.Cleanup.Interval <= 0 {
			return errors.New("token cleanup interval must be positive")
		}
		if c.Cleanup.BatchSize <= 0 {
			return errors.New("token cleanup batch size must be positive")
		}
	}
	if c.Keys.Enabled {
		if len(c.Keys.SigningAlgorithms) == 0 {
			return errors.New("at least one signing algorithm is required")
		}
		if c.Keys.PropagationTime >= c.Keys.RotationInterval {
			return errors.New("key propagation time must be shorter than the rotation interval")
		}
	}
	return nil
}

// IssuerURL joins the issuer with an endpoint path.
func (c Config) IssuerURL(path string) string {
	return c.Issuer + path
}

func stringEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func parseListEnv(key string, fallback []string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
