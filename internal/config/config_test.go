package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const baseYAML = `
api:
  spapi:
    marketplace_id: A1VC38T7YXB528
    region: us-west-2
    lwa_client_id: lwa-id
    lwa_client_secret: lwa-secret
    refresh_token: refresh-tok
    aws_access_key: AKIAEXAMPLE
    aws_secret_key: aws-secret
  keepa:
    api_key: keepa-key
thresholds:
  min_profit: 500
  min_roi: "0.15"
  max_rank: 50000
money:
  fx_spread_bp: 120
  return_rate: 0.04
notify:
  slack:
    enabled: true
    webhook: https://hooks.example.com/T/B/X
`

func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDefaultValues(t *testing.T) {
	s := Default()
	require.Equal(t, "JPY", s.API.SPAPI.DefaultCurrency)
	require.Equal(t, 5, s.API.Keepa.Domain)
	require.Equal(t, 5, s.Retry.MaxAttempts)
	require.Equal(t, 1800, s.Cache.TTLSeconds)
	require.Equal(t, 120, s.Budget.SPAPI)
	require.Equal(t, 150, s.Budget.Keepa)
	require.True(t, s.Money.Rounding.Equal(decimal.RequireFromString("0.01")))
	require.Equal(t, "INFO", s.Observability.LogLevel)
	require.Equal(t, 1, s.CLI.SPAPIMaxInflight)
	require.Nil(t, s.GoogleSheets)
}

func TestLoadBaseFile(t *testing.T) {
	dir := writeConfig(t, map[string]string{"settings.yml": baseYAML})
	s, err := Load(dir, "")
	require.NoError(t, err)

	require.Equal(t, "A1VC38T7YXB528", s.API.SPAPI.MarketplaceID)
	require.Equal(t, "keepa-key", s.API.Keepa.APIKey)
	require.True(t, s.Thresholds.MinProfit.Equal(decimal.NewFromInt(500)))
	require.True(t, s.Thresholds.MinROI.Equal(decimal.RequireFromString("0.15")))
	require.NotNil(t, s.Thresholds.MaxRank)
	require.EqualValues(t, 50000, *s.Thresholds.MaxRank)
	require.EqualValues(t, 120, s.Money.FXSpreadBP)

	// untouched keys keep their defaults
	require.Equal(t, 5, s.Retry.MaxAttempts)
	require.Equal(t, "JPY", s.API.SPAPI.DefaultCurrency)
}

func TestLoadMissingBaseFile(t *testing.T) {
	_, err := Load(t.TempDir(), "")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnvOverlayDeepMerges(t *testing.T) {
	overlay := `
api:
  keepa:
    api_key: prod-keepa-key
budget:
  spapi: 40
`
	dir := writeConfig(t, map[string]string{
		"settings.yml":   baseYAML,
		"env/prod.yml":   overlay,
		"env/unused.yml": "budget:\n  spapi: 999\n",
	})
	s, err := Load(dir, "prod")
	require.NoError(t, err)

	require.Equal(t, "prod-keepa-key", s.API.Keepa.APIKey)
	require.Equal(t, 40, s.Budget.SPAPI)
	// siblings of overridden keys survive the merge
	require.Equal(t, "A1VC38T7YXB528", s.API.SPAPI.MarketplaceID)
	require.Equal(t, 150, s.Budget.Keepa)
}

func TestLoadMissingOverlayIsOptional(t *testing.T) {
	dir := writeConfig(t, map[string]string{"settings.yml": baseYAML})
	s, err := Load(dir, "staging")
	require.NoError(t, err)
	require.Equal(t, "keepa-key", s.API.Keepa.APIKey)
}

func TestLoadEnvVarOverrides(t *testing.T) {
	t.Setenv("SEDORI__BUDGET__SPAPI", "77")
	t.Setenv("SEDORI__OBSERVABILITY__LOG_LEVEL", "DEBUG")
	t.Setenv("SEDORI__API__KEEPA__API_KEY", "env-keepa-key")
	t.Setenv("SEDORI__OBSERVABILITY__JSON_LOGS", "false")

	dir := writeConfig(t, map[string]string{"settings.yml": baseYAML})
	s, err := Load(dir, "")
	require.NoError(t, err)

	require.Equal(t, 77, s.Budget.SPAPI)
	require.Equal(t, "DEBUG", s.Observability.LogLevel)
	require.Equal(t, "env-keepa-key", s.API.Keepa.APIKey)
	require.False(t, s.Observability.JSONLogs)
}

func TestLoadValidationFailures(t *testing.T) {
	cases := []struct {
		name     string
		variable string
		value    string
	}{
		{"missing keepa key", "SEDORI__API__KEEPA__API_KEY", ""},
		{"bad log level", "SEDORI__OBSERVABILITY__LOG_LEVEL", "verbose"},
		{"zero retry attempts", "SEDORI__RETRY__MAX_ATTEMPTS", "0"},
		{"negative fx spread", "SEDORI__MONEY__FX_SPREAD_BP", "-1"},
		{"zero rounding", "SEDORI__MONEY__ROUNDING", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.variable, tc.value)
			dir := writeConfig(t, map[string]string{"settings.yml": baseYAML})
			_, err := Load(dir, "")
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestValidateGoogleSheetsCompleteness(t *testing.T) {
	s := Default()
	s.API.SPAPI = SPAPISettings{
		MarketplaceID: "m", Region: "r", LWAClientID: "a", LWAClientSecret: "b",
		RefreshToken: "c", AWSAccessKey: "d", AWSSecretKey: "e", DefaultCurrency: "JPY",
	}
	s.API.Keepa.APIKey = "k"
	require.NoError(t, s.Validate())

	s.GoogleSheets = &GoogleSheetsSettings{SpreadsheetID: "sheet"}
	var cfgErr *ConfigError
	require.ErrorAs(t, s.Validate(), &cfgErr)

	s.GoogleSheets.CredentialsFile = "/etc/creds.json"
	require.NoError(t, s.Validate())
}

func TestSecretsForRedaction(t *testing.T) {
	dir := writeConfig(t, map[string]string{"settings.yml": baseYAML})
	s, err := Load(dir, "")
	require.NoError(t, err)

	secrets := s.SecretsForRedaction()
	require.Contains(t, secrets, "lwa-secret")
	require.Contains(t, secrets, "refresh-tok")
	require.Contains(t, secrets, "aws-secret")
	require.Contains(t, secrets, "keepa-key")
	require.Contains(t, secrets, "https://hooks.example.com/T/B/X")
	require.NotContains(t, secrets, "")
}

func TestDecimalUnmarshalForms(t *testing.T) {
	var out struct {
		Bare   Decimal `yaml:"bare"`
		Quoted Decimal `yaml:"quoted"`
		Empty  Decimal `yaml:"empty"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("bare: 0.15\nquoted: \"1234.5\"\nempty:\n"), &out))
	require.True(t, out.Bare.Equal(decimal.RequireFromString("0.15")))
	require.True(t, out.Quoted.Equal(decimal.RequireFromString("1234.5")))
	require.True(t, out.Empty.IsZero())

	require.Error(t, yaml.Unmarshal([]byte("bare: not-a-number"), &out))
}

func TestRetryIntervals(t *testing.T) {
	r := RetrySettings{MaxAttempts: 5, Base: 0.5, MaxSleep: 10}
	require.Equal(t, 500, int(r.BaseInterval().Milliseconds()))
	require.Equal(t, 10000, int(r.MaxSleepInterval().Milliseconds()))
}
