package config

import (
	"errors"
	"fmt"
)

// Validate enforces startup requirements. Violations are fatal (exit code 1);
// the server never starts with an incomplete production configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.UseHTTPS {
		if c.Server.SSLKeyPath == "" || c.Server.SSLCertPath == "" {
			errs = append(errs, errors.New("USE_HTTPS requires SSL_KEY_PATH and SSL_CERT_PATH"))
		}
	}

	if c.Production() {
		if c.Auth.AdminPassword == "" {
			errs = append(errs, errors.New("AUTH_PASSWORD is required in production"))
		}
		if c.Auth.JWTSecret == "" && !c.Auth.AllowDevSecret {
			errs = append(errs, errors.New("JWT_SECRET is required in production (or set ALLOW_DEV_SECRET=true)"))
		}
	}

	if c.Ingest.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("ingest queue capacity must be positive, got %d", c.Ingest.QueueCapacity))
	}
	if c.Ingest.MaxBatch < 1 {
		errs = append(errs, fmt.Errorf("ingest max batch must be positive, got %d", c.Ingest.MaxBatch))
	}
	if c.Retention.BackupKeep < 1 {
		errs = append(errs, fmt.Errorf("backup keep must be positive, got %d", c.Retention.BackupKeep))
	}
	if c.Server.IngestRPS < 1 || c.Server.IngestBurst < 1 {
		errs = append(errs, fmt.Errorf("ingest rate limit must be positive, got %d/%d",
			c.Server.IngestRPS, c.Server.IngestBurst))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
