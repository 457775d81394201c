package config

import (
	"fmt"
	"strings"

	"github.com/turtacn/qsign/pkg/errors"
)

// Validate checks the configuration and returns a ConfigurationError on the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.ErrConfiguration(fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return errors.ErrConfiguration(fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.SignServer.Backend {
	case "vault":
	case "pkcs11":
		if c.PKCS11.LibraryPath == "" {
			return errors.ErrConfiguration("pkcs11.library_path is required for the pkcs11 signing backend")
		}
		if c.PKCS11.TokenLabel == "" && c.PKCS11.SlotNumber == nil {
			return errors.ErrConfiguration("pkcs11.token_label or pkcs11.slot_number is required")
		}
	default:
		return errors.ErrConfiguration(fmt.Sprintf("signserver.backend %q is not supported", c.SignServer.Backend))
	}

	if c.KeyPool.MaxKeyGeneration <= 0 {
		return errors.ErrConfiguration("keypool.max_key_generation must be positive")
	}
	if c.KeyPool.MaxKeyDeletion <= 0 {
		return errors.ErrConfiguration("keypool.max_key_deletion must be positive")
	}
	if c.KeyPool.ReplenishInterval <= 0 {
		return errors.ErrConfiguration("keypool.replenish_interval must be positive")
	}
	if c.KeyPool.ProvisioningTimeout <= 0 {
		return errors.ErrConfiguration("keypool.provisioning_timeout must be positive")
	}

	if c.Cleanup.SigningSessionTTL <= 0 {
		return errors.ErrConfiguration("cleanup.signing_session_ttl must be positive")
	}
	if c.Cleanup.UsedUpKeyKeepTime < 0 {
		return errors.ErrConfiguration("cleanup.used_up_key_keep_time must not be negative")
	}
	if c.Cleanup.StaleReservationTimeout <= 0 {
		return errors.ErrConfiguration("cleanup.stale_reservation_timeout must be positive")
	}
	if c.Cleanup.BatchSize <= 0 {
		return errors.ErrConfiguration("cleanup.batch_size must be positive")
	}

	for key, spec := range map[string]string{
		"cleanup.one_time_key_cron":      c.Cleanup.OneTimeKeyCron,
		"cleanup.session_cron":           c.Cleanup.SessionCron,
		"cleanup.stale_reservation_cron": c.Cleanup.StaleReservationCron,
		"keypool.failed_key_sweep_cron":  c.KeyPool.FailedKeySweepCron,
	} {
		if _, err := CronParser.Parse(spec); err != nil {
			return errors.ErrConfiguration(fmt.Sprintf("%s %q is not a valid cron expression", key, spec)).WithCause(err)
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		return errors.ErrConfiguration("retry.max_attempts must be positive")
	}
	if c.Retry.InitialInterval < 0 || c.Retry.Multiplier < 1 {
		return errors.ErrConfiguration("retry.initial_interval must not be negative and retry.multiplier must be at least 1")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || strings.TrimSpace(c.Kafka.Topic) == "") {
		return errors.ErrConfiguration("kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	_, err := NewCatalog(c.CryptoTokens)
	return err
}
