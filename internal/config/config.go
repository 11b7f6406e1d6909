package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/telemetry"
)

// Config holds the daemon's process configuration. The stream policy
// document is referenced by ConfigFileURL and handled separately by the
// PolicyLoader.
type Config struct {
	// ConfigFileURL locates the stream policy document. Required to
	// start the autoscaling daemon.
	ConfigFileURL string `mapstructure:"config_file_url"`

	// SuppressAbortOnFatal keeps the process alive on fatal startup
	// errors instead of exiting non-zero.
	SuppressAbortOnFatal bool `mapstructure:"suppress_abort_on_fatal"`

	AWS           AWSConfig           `mapstructure:"aws"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Telemetry     telemetry.Config    `mapstructure:"telemetry"`
	Logging       logging.Config      `mapstructure:"logging"`
}

// AWSConfig holds provider client settings. Credentials always resolve
// through the SDK's default chain; only region and endpoint overrides
// live here.
type AWSConfig struct {
	Region             string `mapstructure:"region"`
	KinesisEndpoint    string `mapstructure:"kinesis_endpoint"`
	CloudWatchEndpoint string `mapstructure:"cloudwatch_endpoint"`
	SNSEndpoint        string `mapstructure:"sns_endpoint"`
}

// NotificationsConfig selects the notification transport. Policies naming
// an ARN publish through SNS; a configured NATS URL adds a broker sink
// for every report.
type NotificationsConfig struct {
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// Load loads the process configuration from the default locations.
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads the process configuration from a specific file,
// falling back to defaults and KSC_ environment overrides.
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/ksc")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("KSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file_url", "")
	v.SetDefault("suppress_abort_on_fatal", false)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.kinesis_endpoint", "")
	v.SetDefault("aws.cloudwatch_endpoint", "")
	v.SetDefault("aws.sns_endpoint", "")

	v.SetDefault("notifications.nats_url", "")
	v.SetDefault("notifications.nats_subject", "kinesis.autoscaling.reports")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "kinesis-scaling-controller")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.listen_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}
