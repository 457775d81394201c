package config

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// Loader reads the configuration from file and environment and can watch the file for changes.
type Loader struct {
	v      *viper.Viper
	log    logger.Logger
	mu     sync.Mutex
	loaded *Config
}

// NewLoader creates a loader. An empty configFile searches config.yaml in /etc/qsign/ and the working directory.
func NewLoader(configFile string, log logger.Logger) *Loader {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/qsign/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, log: log.WithComponent("ConfigLoader")}
}

// LoadConfig loads and validates the configuration in one call.
func LoadConfig(configFile string, log logger.Logger) (*Config, error) {
	return NewLoader(configFile, log).Load()
}

// Load reads the configuration and validates it.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.ErrConfiguration("failed to read config file").WithCause(err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.ErrConfiguration("failed to unmarshal config").WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.loaded = &cfg
	l.mu.Unlock()
	return &cfg, nil
}

// Watch reloads the file on change. Catalog and scheduling changes only take effect after a restart,
// so onChange receives the freshly validated config for logging and diffing only.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			l.log.Error(context.Background(), "Reloaded config could not be decoded", err, logger.String("file", e.Name))
			return
		}
		if err := cfg.Validate(); err != nil {
			l.log.Error(context.Background(), "Reloaded config is invalid and was ignored", err, logger.String("file", e.Name))
			return
		}
		l.log.Warn(context.Background(), "Config file changed, restart the service to apply it", logger.String("file", e.Name))
		if onChange != nil {
			onChange(&cfg)
		}
	})
	l.v.WatchConfig()
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", constants.DefaultServicePort)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.cors_allowed_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "qsign")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "qsign")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.max_conn_idle_time", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.sqlite_path", "qsign.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.lock_ttl", "5m")

	v.SetDefault("vault.address", "http://127.0.0.1:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.timeout", "30s")

	v.SetDefault("pkcs11.library_path", "")
	v.SetDefault("pkcs11.token_label", "")
	v.SetDefault("pkcs11.pin", "")

	v.SetDefault("signserver.backend", "vault")
	v.SetDefault("signserver.kv_mount", "secret")
	v.SetDefault("signserver.path_prefix", "qsign/keys")

	v.SetDefault("ca.pki_mount", "pki")
	v.SetDefault("ca.role", "qsign")
	v.SetDefault("ca.kv_mount", "secret")
	v.SetDefault("ca.certificate_ttl", "8760h")
	v.SetDefault("ca.revocation_cache_ttl", "1m")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "qsign.key-events")
	v.SetDefault("kafka.batch_timeout", "100ms")

	v.SetDefault("log.level", string(constants.LogLevelInfo))
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", constants.ServiceName)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.issuer", "qsign-admin")
	v.SetDefault("admin.server_url", "http://localhost:8080")

	v.SetDefault("keypool.max_key_generation", constants.DefaultMaxKeyGeneration)
	v.SetDefault("keypool.max_key_deletion", constants.DefaultMaxKeyDeletion)
	v.SetDefault("keypool.replenish_interval", constants.DefaultReplenishInterval.String())
	v.SetDefault("keypool.provisioning_timeout", constants.DefaultProvisioningTimeout.String())
	v.SetDefault("keypool.failed_key_sweep_cron", "0 */10 * * * *")
	v.SetDefault("keypool.scheduler_enabled", true)

	v.SetDefault("cleanup.signing_session_ttl", constants.DefaultSigningSessionTTL.String())
	v.SetDefault("cleanup.used_up_key_keep_time", constants.DefaultUsedUpKeyKeepTime.String())
	v.SetDefault("cleanup.one_time_key_cron", "0 0 * * * *")
	v.SetDefault("cleanup.session_cron", "0 * * * * *")
	v.SetDefault("cleanup.stale_reservation_timeout", constants.DefaultStaleReservationTimeout.String())
	v.SetDefault("cleanup.stale_reservation_cron", "0 */5 * * * *")
	v.SetDefault("cleanup.batch_size", constants.DefaultCleanupBatchSize)

	v.SetDefault("retry.max_attempts", constants.DefaultRetryMaxAttempts)
	v.SetDefault("retry.initial_interval", constants.DefaultRetryInitialInterval.String())
	v.SetDefault("retry.multiplier", constants.DefaultRetryMultiplier)
	v.SetDefault("retry.max_interval", "30s")
}
