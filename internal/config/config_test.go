package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "CREDENTIAL_ID", "cred_test_1")
	setEnv(t, "AES_KEY_HEX", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultChainID), cfg.DefaultChainID)
	assert.Equal(t, DefaultDailyCapUSD, cfg.DefaultDailyCapUSD)
}

func TestLoad_MissingCredentialID(t *testing.T) {
	setEnv(t, "CREDENTIAL_ID", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CREDENTIAL_ID is required")
}

func TestLoad_InvalidAESKeyLength(t *testing.T) {
	setEnv(t, "CREDENTIAL_ID", "cred_test_1")
	setEnv(t, "AES_KEY_HEX", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "AES_KEY_HEX must be 64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid config",
			config:  Config{CredentialID: "cred_1", AESKeyHex: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
			wantErr: "",
		},
		{
			name:    "missing credential id",
			config:  Config{CredentialID: "", AESKeyHex: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
			wantErr: "CREDENTIAL_ID is required",
		},
		{
			name:    "invalid aes key length",
			config:  Config{CredentialID: "cred_1", AESKeyHex: "abc123"},
			wantErr: "AES_KEY_HEX must be 64 hex characters",
		},
		{
			name:    "0x prefixed aes key is valid",
			config:  Config{CredentialID: "cred_1", AESKeyHex: "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
