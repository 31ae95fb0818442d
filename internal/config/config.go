// Package config loads the layered YAML configuration: base file, an
// optional per-environment overlay, then SEDORI__ environment variable
// overrides.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigError is fatal: the process exits with status 1.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return "config: " + e.msg }

func errorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Decimal wraps shopspring decimal for YAML scalars, accepting both
// quoted and bare numbers.
type Decimal struct {
	decimal.Decimal
}

func NewDecimal(d decimal.Decimal) Decimal { return Decimal{Decimal: d} }

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" || node.Value == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", node.Value, err)
	}
	d.Decimal = parsed
	return nil
}

type SPAPISettings struct {
	MarketplaceID   string `yaml:"marketplace_id"`
	Region          string `yaml:"region"`
	LWAClientID     string `yaml:"lwa_client_id"`
	LWAClientSecret string `yaml:"lwa_client_secret"`
	RefreshToken    string `yaml:"refresh_token"`
	AWSAccessKey    string `yaml:"aws_access_key"`
	AWSSecretKey    string `yaml:"aws_secret_key"`
	RoleARN         string `yaml:"role_arn"`
	DefaultCurrency string `yaml:"default_currency"`
}

type KeepaSettings struct {
	APIKey string `yaml:"api_key"`
	Domain int    `yaml:"domain"`
}

type APISettings struct {
	SPAPI SPAPISettings `yaml:"spapi"`
	Keepa KeepaSettings `yaml:"keepa"`
}

type SlackSettings struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
	Webhook string `yaml:"webhook"`
	Token   string `yaml:"token"`
}

type LineSettings struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type NotifySettings struct {
	Slack SlackSettings `yaml:"slack"`
	Line  LineSettings  `yaml:"line"`
}

type ThresholdSettings struct {
	MinProfit Decimal `yaml:"min_profit"`
	MinROI    Decimal `yaml:"min_roi"`
	MaxRank   *int64  `yaml:"max_rank"`
}

type RetrySettings struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Base        float64 `yaml:"base"`
	MaxSleep    float64 `yaml:"max_sleep"`
}

func (r RetrySettings) BaseInterval() time.Duration {
	return time.Duration(r.Base * float64(time.Second))
}

func (r RetrySettings) MaxSleepInterval() time.Duration {
	return time.Duration(r.MaxSleep * float64(time.Second))
}

type CacheSettings struct {
	TTLSeconds      int `yaml:"ttl_seconds"`
	CleanupInterval int `yaml:"cleanup_interval"`
}

type MoneySettings struct {
	Rounding           Decimal `yaml:"rounding"`
	FXSpreadBP         int64   `yaml:"fx_spread_bp"`
	ReturnRate         Decimal `yaml:"return_rate"`
	StorageFeeMonthly  Decimal `yaml:"storage_fee_monthly"`
	InboundShipping    Decimal `yaml:"inbound_shipping"`
	PackagingMaterials Decimal `yaml:"packaging_materials"`
}

type BudgetSettings struct {
	SPAPI int `yaml:"spapi"`
	Keepa int `yaml:"keepa"`
}

type ObservabilitySettings struct {
	JSONLogs bool   `yaml:"json_logs"`
	LogLevel string `yaml:"log_level"`
}

type CLISettings struct {
	StaggerJitterSeconds float64 `yaml:"stagger_jitter_seconds"`
	SPAPIMaxInflight     int     `yaml:"spapi_max_inflight"`
	KeepaMaxInflight     int     `yaml:"keepa_max_inflight"`
}

type GoogleSheetsSettings struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	WorksheetName   string `yaml:"worksheet_name"`
}

type Settings struct {
	API           APISettings           `yaml:"api"`
	Notify        NotifySettings        `yaml:"notify"`
	Thresholds    ThresholdSettings     `yaml:"thresholds"`
	Retry         RetrySettings         `yaml:"retry"`
	Cache         CacheSettings         `yaml:"cache"`
	Money         MoneySettings         `yaml:"money"`
	Budget        BudgetSettings        `yaml:"budget"`
	Observability ObservabilitySettings `yaml:"observability"`
	CLI           CLISettings           `yaml:"cli"`
	GoogleSheets  *GoogleSheetsSettings `yaml:"google_sheets"`
}

// Default returns the settings used when a key is absent from every
// layer.
func Default() *Settings {
	return &Settings{
		API: APISettings{
			SPAPI: SPAPISettings{DefaultCurrency: "JPY"},
			Keepa: KeepaSettings{Domain: 5},
		},
		Thresholds: ThresholdSettings{
			MinProfit: NewDecimal(decimal.Zero),
			MinROI:    NewDecimal(decimal.Zero),
		},
		Retry: RetrySettings{MaxAttempts: 5, Base: 0.5, MaxSleep: 10},
		Cache: CacheSettings{TTLSeconds: 1800, CleanupInterval: 300},
		Money: MoneySettings{
			Rounding:   NewDecimal(decimal.RequireFromString("0.01")),
			ReturnRate: NewDecimal(decimal.Zero),
		},
		Budget:        BudgetSettings{SPAPI: 120, Keepa: 150},
		Observability: ObservabilitySettings{JSONLogs: true, LogLevel: "INFO"},
		CLI:           CLISettings{StaggerJitterSeconds: 0.4, SPAPIMaxInflight: 1, KeepaMaxInflight: 1},
	}
}

var logLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true}

// Validate enforces required credentials and sane numeric ranges.
func (s *Settings) Validate() error {
	spapi := s.API.SPAPI
	for _, field := range []struct{ name, value string }{
		{"api.spapi.marketplace_id", spapi.MarketplaceID},
		{"api.spapi.region", spapi.Region},
		{"api.spapi.lwa_client_id", spapi.LWAClientID},
		{"api.spapi.lwa_client_secret", spapi.LWAClientSecret},
		{"api.spapi.refresh_token", spapi.RefreshToken},
		{"api.spapi.aws_access_key", spapi.AWSAccessKey},
		{"api.spapi.aws_secret_key", spapi.AWSSecretKey},
	} {
		if field.value == "" {
			return errorf("%s is required", field.name)
		}
	}
	if s.API.Keepa.APIKey == "" {
		return errorf("api.keepa.api_key is required")
	}
	if s.API.Keepa.Domain < 1 {
		return errorf("api.keepa.domain must be >= 1, got %d", s.API.Keepa.Domain)
	}
	if s.Retry.MaxAttempts < 1 {
		return errorf("retry.max_attempts must be >= 1, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.Base <= 0 || s.Retry.MaxSleep <= 0 {
		return errorf("retry.base and retry.max_sleep must be positive")
	}
	if s.Cache.TTLSeconds < 1 {
		return errorf("cache.ttl_seconds must be >= 1, got %d", s.Cache.TTLSeconds)
	}
	if s.Budget.SPAPI < 1 || s.Budget.Keepa < 1 {
		return errorf("budget.spapi and budget.keepa must be >= 1")
	}
	if s.Money.Rounding.Sign() <= 0 {
		return errorf("money.rounding must be positive, got %s", s.Money.Rounding)
	}
	if s.Money.ReturnRate.Sign() < 0 {
		return errorf("money.return_rate must not be negative, got %s", s.Money.ReturnRate)
	}
	if s.Money.FXSpreadBP < 0 {
		return errorf("money.fx_spread_bp must not be negative, got %d", s.Money.FXSpreadBP)
	}
	if !logLevels[s.Observability.LogLevel] {
		return errorf("observability.log_level must be one of DEBUG, INFO, WARNING, ERROR")
	}
	if s.CLI.SPAPIMaxInflight < 1 || s.CLI.KeepaMaxInflight < 1 {
		return errorf("cli inflight caps must be >= 1")
	}
	if s.GoogleSheets != nil {
		if s.GoogleSheets.SpreadsheetID == "" || s.GoogleSheets.CredentialsFile == "" {
			return errorf("google_sheets requires credentials_file and spreadsheet_id")
		}
	}
	return nil
}

// SecretsForRedaction lists every configured credential value so the
// log writer can scrub them.
func (s *Settings) SecretsForRedaction() []string {
	candidates := []string{
		s.API.SPAPI.LWAClientID,
		s.API.SPAPI.LWAClientSecret,
		s.API.SPAPI.RefreshToken,
		s.API.SPAPI.AWSAccessKey,
		s.API.SPAPI.AWSSecretKey,
		s.API.Keepa.APIKey,
		s.Notify.Slack.Token,
		s.Notify.Slack.Webhook,
		s.Notify.Line.Token,
	}
	secrets := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if v != "" {
			secrets = append(secrets, v)
		}
	}
	return secrets
}
