package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser parses every cron expression in the configuration. The seconds
// field is optional so both five- and six-field expressions are accepted.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds the application's configuration.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Redis        RedisConfig         `mapstructure:"redis"`
	Vault        VaultConfig         `mapstructure:"vault"`
	PKCS11       PKCS11Config        `mapstructure:"pkcs11"`
	SignServer   SignServerConfig    `mapstructure:"signserver"`
	CA           CAConfig            `mapstructure:"ca"`
	Kafka        KafkaConfig         `mapstructure:"kafka"`
	Log          LogConfig           `mapstructure:"log"`
	Tracing      TracingConfig       `mapstructure:"tracing"`
	Admin        AdminConfig         `mapstructure:"admin"`
	KeyPool      KeyPoolConfig       `mapstructure:"keypool"`
	Cleanup      CleanupConfig       `mapstructure:"cleanup"`
	Retry        RetryConfig         `mapstructure:"retry"`
	CryptoTokens []CryptoTokenConfig `mapstructure:"crypto_tokens"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// CORSAllowedOrigins lists origins allowed to call the ops API.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether debug surfaces must stay disabled.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	// SQLitePath is used when Driver is "sqlite".
	SQLitePath string `mapstructure:"sqlite_path"`
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type RedisConfig struct {
	// Enabled turns on the scheduler leader lock.
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type VaultConfig struct {
	Address string        `mapstructure:"address"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PKCS11Config struct {
	LibraryPath string `mapstructure:"library_path"`
	TokenLabel  string `mapstructure:"token_label"`
	SlotNumber  *int   `mapstructure:"slot_number"`
	Pin         string `mapstructure:"pin"`
}

type SignServerConfig struct {
	// Backend selects the signing-server client: "vault" or "pkcs11".
	Backend string `mapstructure:"backend"`
	// KVMount is the Vault KV v2 mount holding soft-token key material.
	KVMount string `mapstructure:"kv_mount"`
	// PathPrefix namespaces soft-token entries inside the mount.
	PathPrefix string `mapstructure:"path_prefix"`
}

type CAConfig struct {
	PKIMount string `mapstructure:"pki_mount"`
	// Role is the PKI role used by sign-verbatim.
	Role string `mapstructure:"role"`
	// KVMount stores end-entity records.
	KVMount            string        `mapstructure:"kv_mount"`
	CertificateTTL     time.Duration `mapstructure:"certificate_ttl"`
	RevocationCacheTTL time.Duration `mapstructure:"revocation_cache_ttl"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// SigningKey, when set, adds an HMAC-SHA256 signature header to every message.
	SigningKey string `mapstructure:"signing_key"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// ServerURL is the ops API base URL used by qsign-admin.
	ServerURL string `mapstructure:"server_url"`
}

// KeyPoolConfig carries the replenisher settings and concurrency caps.
type KeyPoolConfig struct {
	MaxKeyGeneration    int           `mapstructure:"max_key_generation"`
	MaxKeyDeletion      int           `mapstructure:"max_key_deletion"`
	ReplenishInterval   time.Duration `mapstructure:"replenish_interval"`
	ProvisioningTimeout time.Duration `mapstructure:"provisioning_timeout"`
	FailedKeySweepCron  string        `mapstructure:"failed_key_sweep_cron"`
	SchedulerEnabled    bool          `mapstructure:"scheduler_enabled"`
}

type CleanupConfig struct {
	SigningSessionTTL       time.Duration `mapstructure:"signing_session_ttl"`
	UsedUpKeyKeepTime       time.Duration `mapstructure:"used_up_key_keep_time"`
	OneTimeKeyCron          string        `mapstructure:"one_time_key_cron"`
	SessionCron             string        `mapstructure:"session_cron"`
	StaleReservationTimeout time.Duration `mapstructure:"stale_reservation_timeout"`
	StaleReservationCron    string        `mapstructure:"stale_reservation_cron"`
	BatchSize               int           `mapstructure:"batch_size"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// CryptoTokenConfig is one remote signing token and the pools it hosts.
type CryptoTokenConfig struct {
	ID         int                    `mapstructure:"id"`
	Name       string                 `mapstructure:"name"`
	WorkerName string                 `mapstructure:"worker_name"`
	Profiles   []KeyPoolProfileConfig `mapstructure:"profiles"`
}

// KeyPoolProfileConfig configures one pool. An unset max_keys_generated_per_replenish
// defaults to desired_size; an explicit 0 pauses generation for the pool.
type KeyPoolProfileConfig struct {
	Name                         string `mapstructure:"name"`
	KeyAlgorithm                 string `mapstructure:"key_algorithm"`
	KeySpecification             string `mapstructure:"key_specification"`
	KeyAliasPrefix               string `mapstructure:"key_alias_prefix"`
	DesiredSize                  int    `mapstructure:"desired_size"`
	MaxKeysGeneratedPerReplenish *int   `mapstructure:"max_keys_generated_per_replenish"`
	Usage                        string `mapstructure:"usage"`
	SubjectDN                    string `mapstructure:"subject_dn"`
	SignatureAlgorithm           string `mapstructure:"signature_algorithm"`
	CertificateProfile           string `mapstructure:"certificate_profile"`
	EndEntityProfile             string `mapstructure:"end_entity_profile"`
}
