// Package bootstrap wires the autoscaling daemon: process configuration,
// logging, telemetry, per-region provider clients, the policy document
// and one stream monitor per policy, all owned by the host entry point.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/autoscale"
	"github.com/kinesis-scaling-controller/ksc/internal/config"
	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/metrics"
	"github.com/kinesis-scaling-controller/ksc/internal/notify"
	"github.com/kinesis-scaling-controller/ksc/internal/scaler"
	"github.com/kinesis-scaling-controller/ksc/internal/streamctl"
	"github.com/kinesis-scaling-controller/ksc/internal/telemetry"
)

// Bootstrap initializes and owns the daemon's components.
type Bootstrap struct {
	Config     *config.Config
	Logger     logging.Logger
	Telemetry  *telemetry.Telemetry
	Controller *autoscale.Controller

	natsNotifier *notify.NATSNotifier
	awsConfigs   map[string]aws.Config
}

// New creates an empty bootstrap.
func New() *Bootstrap {
	return &Bootstrap{awsConfigs: make(map[string]aws.Config)}
}

// Initialize loads the process configuration and brings up logging and
// telemetry.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	b.Config = cfg

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info(ctx, "configuration loaded",
		zap.String("config_file", configFile),
		zap.String("policy_document", cfg.ConfigFileURL),
		zap.String("log_level", cfg.Logging.Level))

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	return nil
}

// Start loads the policy document, builds one monitor per stream policy
// and brings up the supervisor and telemetry server. A missing policy
// document reference is fatal.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}
	if b.Config.ConfigFileURL == "" {
		return fmt.Errorf("a config-file-url referencing the autoscaling policy document is required")
	}

	if err := b.Telemetry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	policies, err := b.loadPolicies(ctx)
	if err != nil {
		return err
	}

	if b.Config.Notifications.NATSURL != "" {
		n, err := notify.NewNATSNotifier(b.Config.Notifications.NATSURL, b.Config.Notifications.NATSSubject, b.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect notification broker: %w", err)
		}
		b.natsNotifier = n
	}

	var monitors []autoscale.MonitorRunner
	for _, policy := range policies {
		monitor, err := b.buildMonitor(ctx, policy)
		if err != nil {
			return err
		}
		monitors = append(monitors, monitor)
	}

	controller, err := autoscale.NewController(monitors, b.Logger)
	if err != nil {
		return err
	}
	b.Controller = controller

	b.Logger.Info(ctx, "autoscaling controller ready", zap.Int("streams", len(monitors)))
	return nil
}

// Run blocks in the supervisor until cancellation or child failure.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Controller == nil {
		return fmt.Errorf("bootstrap not started")
	}
	return b.Controller.Run(ctx)
}

// Stop shuts the components down in reverse order.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Controller != nil {
		b.Controller.StopAll()
	}
	if b.natsNotifier != nil {
		b.natsNotifier.Close()
	}
	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			return err
		}
	}
	if b.Logger != nil {
		_ = b.Logger.Sync()
	}
	return nil
}

func (b *Bootstrap) loadPolicies(ctx context.Context) ([]config.StreamPolicy, error) {
	awsCfg, err := b.awsConfig(ctx, b.Config.AWS.Region)
	if err != nil {
		return nil, err
	}

	loader := config.NewPolicyLoader(s3.NewFromConfig(awsCfg), b.Logger)
	policies, err := loader.Load(ctx, b.Config.ConfigFileURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy document: %w", err)
	}
	return policies, nil
}

// buildMonitor assembles the per-stream stack: control plane client,
// scaler, metrics manager and notification sinks, each owned by exactly
// one monitor.
func (b *Bootstrap) buildMonitor(ctx context.Context, policy config.StreamPolicy) (*autoscale.Monitor, error) {
	region := policy.Region
	if region == "" {
		region = b.Config.AWS.Region
	}

	awsCfg, err := b.awsConfig(ctx, region)
	if err != nil {
		return nil, err
	}

	kinesisClient := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if b.Config.AWS.KinesisEndpoint != "" {
			o.BaseEndpoint = aws.String(b.Config.AWS.KinesisEndpoint)
		}
	})
	cloudwatchClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if b.Config.AWS.CloudWatchEndpoint != "" {
			o.BaseEndpoint = aws.String(b.Config.AWS.CloudWatchEndpoint)
		}
	})

	ctl := streamctl.New(kinesisClient, b.Logger)
	manager := metrics.NewManager(policy.StreamName, policy.Operations(), cloudwatchClient, ctl, b.Logger)
	streamScaler := scaler.New(ctl, b.Logger)

	return autoscale.NewMonitor(policy, streamScaler, manager,
		b.buildNotifier(awsCfg, policy), b.Logger, b.Telemetry), nil
}

// buildNotifier combines the policy's SNS targets with the optional
// broker sink. Differing per-direction ARNs route through a directional
// selector.
func (b *Bootstrap) buildNotifier(awsCfg aws.Config, policy config.StreamPolicy) notify.Notifier {
	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if b.Config.AWS.SNSEndpoint != "" {
			o.BaseEndpoint = aws.String(b.Config.AWS.SNSEndpoint)
		}
	})

	var upARN, downARN string
	if policy.ScaleUp != nil {
		upARN = policy.ScaleUp.NotificationARN
	}
	if policy.ScaleDown != nil {
		downARN = policy.ScaleDown.NotificationARN
	}

	var snsSink notify.Notifier
	switch {
	case upARN == "" && downARN == "":
		snsSink = nil
	case upARN == downARN:
		snsSink = notify.NewSNSNotifier(snsClient, upARN, b.Logger)
	default:
		d := &notify.Directional{}
		if upARN != "" {
			d.Up = notify.NewSNSNotifier(snsClient, upARN, b.Logger)
		}
		if downARN != "" {
			d.Down = notify.NewSNSNotifier(snsClient, downARN, b.Logger)
		}
		snsSink = d
	}

	var brokerSink notify.Notifier
	if b.natsNotifier != nil {
		brokerSink = b.natsNotifier
	}

	if snsSink == nil && brokerSink == nil {
		return nil
	}
	return notify.NewFanout(b.Logger, snsSink, brokerSink)
}

// awsConfig resolves provider configuration for a region once, through
// the SDK's default credential chain.
func (b *Bootstrap) awsConfig(ctx context.Context, region string) (aws.Config, error) {
	if cfg, ok := b.awsConfigs[region]; ok {
		return cfg, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to resolve provider configuration: %w", err)
	}
	b.awsConfigs[region] = cfg
	return cfg, nil
}
