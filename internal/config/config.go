// Package config loads the mill configuration from a YAML file and MILL_
// prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full process configuration. Both the producer and the
// listeners commands read it; each uses the sections it needs.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Log          LogConfig          `mapstructure:"log"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Health       HealthConfig       `mapstructure:"health"`
	State        StateConfig        `mapstructure:"state"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Producer     ProducerConfig     `mapstructure:"producer"`
	Listener     ListenerConfig     `mapstructure:"listener"`
	Accounts     AccountsConfig     `mapstructure:"accounts"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Notification NotificationConfig `mapstructure:"notification"`
	Shutdown     ShutdownConfig     `mapstructure:"shutdown"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Endpoint      string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

// StateConfig selects where the producer checkpoints its RunState.
type StateConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file postgres"`
	Path    string `mapstructure:"path" validate:"required_if=Backend file"`
}

type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn"`
	MinConns      int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gte=0"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	Migrate       bool   `mapstructure:"migrate"`
}

type KafkaConfig struct {
	Brokers             []string `mapstructure:"brokers"`
	ClientID            string   `mapstructure:"client_id"`
	TaskTopic           string   `mapstructure:"task_topic"`
	WorkerGroup         string   `mapstructure:"worker_group"`
	NotificationTopic   string   `mapstructure:"notification_topic"`
	ChangeTopicPrefix   string   `mapstructure:"change_topic_prefix"`
	ConsumerGroupPrefix string   `mapstructure:"consumer_group_prefix"`
}

// QueueConfig selects the task queue and message broker implementation.
type QueueConfig struct {
	Type string `mapstructure:"type" validate:"oneof=kafka memory"`
}

type ProducerConfig struct {
	Name             string        `mapstructure:"name" validate:"required"`
	Frequency        time.Duration `mapstructure:"frequency" validate:"gt=0"`
	MaxQueueSize     int64         `mapstructure:"max_queue_size" validate:"gt=0"`
	ThrottleInterval time.Duration `mapstructure:"throttle_interval" validate:"gt=0"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval" validate:"gtefield=RetryInterval"`
	PushRate         float64       `mapstructure:"push_rate" validate:"gte=0"`
	PushBurst        int           `mapstructure:"push_burst" validate:"gte=0"`
	PageSize         int           `mapstructure:"page_size" validate:"gt=0"`
	InclusionList    string        `mapstructure:"inclusion_list"`
	ExclusionList    string        `mapstructure:"exclusion_list"`
}

type ListenerConfig struct {
	ContainersPerSubdomain int           `mapstructure:"containers_per_subdomain" validate:"gt=0"`
	ReconciliationPeriod   time.Duration `mapstructure:"reconciliation_period" validate:"gt=0"`
	Hosts                  []string      `mapstructure:"hosts"`
	// HostOverrides pin accounts to hosts, one "account=host" entry each.
	HostOverrides          []string      `mapstructure:"host_overrides"`
}

// Overrides parses HostOverrides.
func (l ListenerConfig) Overrides() (map[string]string, error) {
	out := make(map[string]string, len(l.HostOverrides))
	for _, entry := range l.HostOverrides {
		account, host, ok := strings.Cut(entry, "=")
		account, host = strings.TrimSpace(account), strings.TrimSpace(host)
		if !ok || account == "" || host == "" {
			return nil, fmt.Errorf("invalid host override %q", entry)
		}
		out[account] = host
	}
	return out, nil
}

// AccountsConfig selects the tenant policy source.
type AccountsConfig struct {
	Source string `mapstructure:"source" validate:"oneof=file postgres"`
	File   string `mapstructure:"file" validate:"required_if=Source file"`
}

type ClusterConfig struct {
	LeaderElection bool   `mapstructure:"leader_election"`
	Namespace      string `mapstructure:"namespace" validate:"required_if=LeaderElection true"`
	LockID         string `mapstructure:"lock_id" validate:"required_if=LeaderElection true"`
	Identity       string `mapstructure:"identity"`
	KubeConfig     string `mapstructure:"kubeconfig"`
}

type NotificationConfig struct {
	Recipients             []string `mapstructure:"recipients" validate:"dive,email"`
	NonTechnicalRecipients []string `mapstructure:"non_technical_recipients" validate:"dive,email"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"gt=0"`
}

// NeedsDatabase reports whether any configured component reads Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.State.Backend == "postgres" || c.Accounts.Source == "postgres" || c.Database.DSN != ""
}
