package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// MILL_PRODUCER_MAX_QUEUE_SIZE for producer.max_queue_size.
const EnvPrefix = "MILL"

// Load reads path (optional) and the environment into a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "mill")
	v.SetDefault("log.level", "info")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 0.1)

	v.SetDefault("health.addr", "0.0.0.0:8080")

	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", "bit-producer-state.json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrations_dir", "db/migrations")
	v.SetDefault("database.migrate", true)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "mill")
	v.SetDefault("kafka.task_topic", "bit-integrity-tasks")
	v.SetDefault("kafka.worker_group", "bit-integrity-workers")
	v.SetDefault("kafka.notification_topic", "mill-notifications")
	v.SetDefault("kafka.change_topic_prefix", "storage-changes")
	v.SetDefault("kafka.consumer_group_prefix", "mill-duplication")

	v.SetDefault("queue.type", "kafka")

	v.SetDefault("producer.name", "bit-integrity")
	v.SetDefault("producer.frequency", "168h")
	v.SetDefault("producer.max_queue_size", 10000)
	v.SetDefault("producer.throttle_interval", "5s")
	v.SetDefault("producer.retry_interval", "5s")
	v.SetDefault("producer.max_retry_interval", "5m")
	v.SetDefault("producer.push_rate", 0)
	v.SetDefault("producer.push_burst", 0)
	v.SetDefault("producer.page_size", 1000)
	v.SetDefault("producer.inclusion_list", "")
	v.SetDefault("producer.exclusion_list", "")

	v.SetDefault("listener.containers_per_subdomain", 1)
	v.SetDefault("listener.reconciliation_period", "5m")
	v.SetDefault("listener.hosts", []string{})
	v.SetDefault("listener.host_overrides", []string{})

	v.SetDefault("accounts.source", "postgres")
	v.SetDefault("accounts.file", "")

	v.SetDefault("cluster.leader_election", false)
	v.SetDefault("cluster.namespace", "")
	v.SetDefault("cluster.lock_id", "mill-producer-leader")
	v.SetDefault("cluster.identity", "")
	v.SetDefault("cluster.kubeconfig", "")

	v.SetDefault("notification.recipients", []string{})
	v.SetDefault("notification.non_technical_recipients", []string{})

	v.SetDefault("shutdown.grace_period", "30s")
}

// ValidationError lists every invalid field with a readable message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, m := range e.Fields {
		msgs = append(msgs, m)
	}
	slices.Sort(msgs)
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks field rules and the rules spanning sections.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterStructValidation(crossSectionRules, Config{})

	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return fmt.Errorf("failed to register validation translations: %w", err)
	}

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := fe.Translate(trans)
		switch fe.Tag() {
		case "required_for_backend":
			msg = key + " is required by the selected backends"
		case "account_host":
			msg = key + " entries must look like account=host"
		}
		out.Fields[key] = key + ": " + msg
	}
	return out
}

func crossSectionRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Queue.Type == "kafka" {
		if len(cfg.Kafka.Brokers) == 0 {
			sl.ReportError(cfg.Kafka.Brokers, "kafka.brokers", "Brokers", "required_for_backend", "")
		}
		if cfg.Kafka.TaskTopic == "" {
			sl.ReportError(cfg.Kafka.TaskTopic, "kafka.task_topic", "TaskTopic", "required_for_backend", "")
		}
		if cfg.Kafka.WorkerGroup == "" {
			sl.ReportError(cfg.Kafka.WorkerGroup, "kafka.worker_group", "WorkerGroup", "required_for_backend", "")
		}
	}
	if cfg.NeedsDatabase() && cfg.Database.DSN == "" {
		sl.ReportError(cfg.Database.DSN, "database.dsn", "DSN", "required_for_backend", "")
	}
	if _, err := cfg.Listener.Overrides(); err != nil {
		sl.ReportError(cfg.Listener.HostOverrides, "listener.host_overrides", "HostOverrides", "account_host", "")
	}
}
