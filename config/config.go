// Package config is the file configuration of the transx daemon: logging,
// telemetry, the admin endpoint, recovery and the managed resources.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/transx/core/enlistment"
	"github.com/sushant-115/transx/core/recovery"
	"github.com/sushant-115/transx/core/security/encryption"
	"github.com/sushant-115/transx/pkg/connection"
	"github.com/sushant-115/transx/pkg/logger"
	"github.com/sushant-115/transx/pkg/managed"
	"github.com/sushant-115/transx/pkg/telemetry"
)

// Drivers understood by the daemon.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the whole transx configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Admin     AdminConfig      `yaml:"admin"`
	Recovery  RecoveryConfig   `yaml:"recovery"`
	Resources []ResourceConfig `yaml:"resources" validate:"unique=Name,dive"`
}

// AdminConfig configures the admin HTTP and gRPC health listeners.
type AdminConfig struct {
	Addr     string    `yaml:"addr" validate:"required,hostname_port"`
	GRPCAddr string    `yaml:"grpc_addr" validate:"omitempty,hostname_port"`
	TLS      TLSConfig `yaml:"tls"`
}

// TLSConfig enables TLS on the admin endpoint when CertFile is set, and
// mutual TLS when CAFile is set too.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file" validate:"omitempty,file"`
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether a server certificate is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" }

// RecoveryConfig configures the recovery coordinator.
type RecoveryConfig struct {
	// FormatIDs limits recovery to branches of these format ids; empty means all.
	FormatIDs      []int32       `yaml:"format_ids"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gte=0"`
	// DecisionsFile seeds the decision log with outcomes of in-doubt
	// transactions (see txmanager.LoadDecisions).
	DecisionsFile string `yaml:"decisions_file" validate:"omitempty,file"`
}

// Coordinator converts the section to a recovery.Config.
func (r RecoveryConfig) Coordinator() recovery.Config {
	return recovery.Config{
		FormatIDs:      r.FormatIDs,
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
	}
}

// ResourceConfig describes one managed resource and its pool.
type ResourceConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Driver   string `yaml:"driver" validate:"required,oneof=memory postgres redis"`
	DSN      string `yaml:"dsn" validate:"required_unless=Driver memory"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	MinSize           int           `yaml:"min_size" validate:"gte=0,ltefield=MaxSize"`
	MaxSize           int           `yaml:"max_size" validate:"gte=1"`
	BlockingTimeout   time.Duration `yaml:"blocking_timeout" validate:"gte=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	MaxLifetime       time.Duration `yaml:"max_lifetime" validate:"gte=0"`
	PartitionStrategy string        `yaml:"partition_strategy" validate:"omitempty,oneof=subject round_robin"`
	PartitionCount    int           `yaml:"partition_count" validate:"gte=0"`
	ValidateOnBorrow  *bool         `yaml:"validate_on_borrow"`
	ValidateOnReturn  bool          `yaml:"validate_on_return"`
	ReplenishRate     float64       `yaml:"replenish_rate" validate:"gte=0"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" validate:"gte=0"`

	XATransactions    bool   `yaml:"xa_transactions"`
	LocalTransactions bool   `yaml:"local_transactions"`
	JoinPolicy        string `yaml:"join_policy" validate:"omitempty,oneof=separate shared"`
	Paginated         bool   `yaml:"paginated"`
}

// Managed converts the entry into the managed resource configuration.
func (r ResourceConfig) Managed() (managed.Config, error) {
	jp, err := enlistment.ParseJoinPolicy(r.JoinPolicy)
	if err != nil {
		return managed.Config{}, err
	}
	pc := connection.Config{
		MinSize:          r.MinSize,
		MaxSize:          r.MaxSize,
		BlockingTimeout:  r.BlockingTimeout,
		IdleTimeout:      r.IdleTimeout,
		MaxLifetime:      r.MaxLifetime,
		PartitionCount:   r.PartitionCount,
		ValidateOnBorrow: r.ValidateOnBorrow == nil || *r.ValidateOnBorrow,
		ValidateOnReturn: r.ValidateOnReturn,
		ReplenishRate:    r.ReplenishRate,
		ShutdownGrace:    r.ShutdownGrace,
		Credentials:      connection.Credentials{User: r.User, Password: r.Password},
	}
	if r.PartitionStrategy == "round_robin" {
		pc.PartitionStrategy = connection.PartitionRoundRobin
	}
	return managed.Config{
		Name:              r.Name,
		Pool:              pc,
		XATransactions:    r.XATransactions,
		LocalTransactions: r.LocalTransactions,
		JoinPolicy:        jp,
		Paginated:         r.Paginated,
	}, nil
}

// Default returns a configuration with no resources.
func Default() Config {
	rc := recovery.DefaultConfig()
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: logger.Service, TraceSampleRatio: 1},
		Admin:     AdminConfig{Addr: "127.0.0.1:9470", GRPCAddr: "127.0.0.1:9471"},
		Recovery: RecoveryConfig{
			MaxAttempts:    rc.MaxAttempts,
			InitialBackoff: rc.InitialBackoff,
			MaxBackoff:     rc.MaxBackoff,
		},
	}
}

// Load reads a YAML file over Default, fills resource defaults and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset resource fields from connection.DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := connection.DefaultConfig()
	for i := range c.Resources {
		r := &c.Resources[i]
		if r.MaxSize == 0 {
			r.MaxSize = d.MaxSize
		}
		if r.BlockingTimeout == 0 {
			r.BlockingTimeout = d.BlockingTimeout
		}
		if r.IdleTimeout == 0 {
			r.IdleTimeout = d.IdleTimeout
		}
		if r.ReplenishRate == 0 {
			r.ReplenishRate = d.ReplenishRate
		}
		if r.ShutdownGrace == 0 {
			r.ShutdownGrace = d.ShutdownGrace
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.Join(msgs...)
		}
		return err
	}
	for _, r := range c.Resources {
		if r.Paginated && !r.XATransactions {
			return fmt.Errorf("resource %s: paginated recovery needs xa_transactions", r.Name)
		}
	}
	return nil
}

// OpenSecrets replaces sealed resource passwords and DSNs with their
// plaintext. sealer may be nil when no value is sealed.
func (c *Config) OpenSecrets(sealer *encryption.Sealer) error {
	for i := range c.Resources {
		r := &c.Resources[i]
		var err error
		if r.Password, err = sealer.Open(r.Password); err != nil {
			return fmt.Errorf("resource %s password: %w", r.Name, err)
		}
		if r.DSN, err = sealer.Open(r.DSN); err != nil {
			return fmt.Errorf("resource %s dsn: %w", r.Name, err)
		}
	}
	return nil
}
