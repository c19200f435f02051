package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", IngestRPS: 1000, IngestBurst: 2000},
		Ingest:    DefaultIngestConfig(),
		Protocols: DefaultProtocolConfig(),
		Retention: DefaultRetentionConfig(),
		Env:       "development",
	}
}

func TestValidate_DevelopmentNeedsNoSecrets(t *testing.T) {
	assert.NoError(t, baseConfig().Validate())
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	cfg := baseConfig()
	cfg.Env = "production"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_PASSWORD")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidate_ProductionWithSecretsPasses(t *testing.T) {
	cfg := baseConfig()
	cfg.Env = "production"
	cfg.Auth.AdminPassword = "pw"
	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DevSecretEscapeHatch(t *testing.T) {
	cfg := baseConfig()
	cfg.Env = "production"
	cfg.Auth.AdminPassword = "pw"
	cfg.Auth.AllowDevSecret = true
	assert.NoError(t, cfg.Validate())
}

func TestValidate_HTTPSNeedsKeyAndCert(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.UseHTTPS = true
	require.Error(t, cfg.Validate())

	cfg.Server.SSLKeyPath = "/k.pem"
	cfg.Server.SSLCertPath = "/c.pem"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsNonsenseSizes(t *testing.T) {
	cfg := baseConfig()
	cfg.Ingest.QueueCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = baseConfig()
	cfg.Retention.BackupKeep = 0
	assert.Error(t, cfg.Validate())

	cfg = baseConfig()
	cfg.Server.IngestRPS = 0
	assert.Error(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("SYSLOG_ENABLED", "false")
	t.Setenv("GELF_UDP_PORT", "22201")
	t.Setenv("LOG_RETENTION_DAYS", "7")
	t.Setenv("ENV", "production")

	cfg := Load()
	assert.Equal(t, "9191", cfg.Server.Port)
	assert.False(t, cfg.Protocols.SyslogEnabled)
	assert.Equal(t, "22201", cfg.Protocols.GELFUDPPort)
	assert.Equal(t, 7, cfg.Retention.RetentionDays)
	assert.True(t, cfg.Production())
}
