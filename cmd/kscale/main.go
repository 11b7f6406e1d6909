// Command kscale scales a stream by hand: up or down by a count or
// percentage, to an exact size, or just reporting the current shard
// topology.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
	"github.com/kinesis-scaling-controller/ksc/internal/scaler"
	"github.com/kinesis-scaling-controller/ksc/internal/streamctl"
)

type options struct {
	streamName        string
	action            string
	count             int
	pct               float64
	region            string
	kinesisEndpoint   string
	shardID           string
	minShards         int
	maxShards         int
	waitForCompletion bool
	verbose           bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "kscale",
		Short:         "Scale a Kinesis stream's shard topology",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.streamName, "stream-name", "", "Name of the stream to scale (required)")
	flags.StringVar(&opts.action, "scaling-action", "", "One of scaleUp, scaleDown, resize or report (required)")
	flags.IntVar(&opts.count, "count", 0, "Number of shards to scale by, or the target size for resize")
	flags.Float64Var(&opts.pct, "pct", 0, "Percentage of the current shard count to scale by")
	flags.StringVar(&opts.region, "region", "", "Region of the stream")
	flags.StringVar(&opts.kinesisEndpoint, "kinesisEndpoint", "", "Endpoint override for the stream control plane")
	flags.StringVar(&opts.shardID, "shard-id", "", "Scale a single shard instead of the whole stream")
	flags.IntVar(&opts.minShards, "min-shards", 0, "Lower bound on the resulting shard count")
	flags.IntVar(&opts.maxShards, "max-shards", 0, "Upper bound on the resulting shard count")
	flags.BoolVar(&opts.waitForCompletion, "wait-for-completion", true, "Block until the stream is ACTIVE again")
	flags.BoolVar(&opts.verbose, "verbose", false, "Log progress at debug level")

	return cmd
}

func validate(cmd *cobra.Command, opts *options) error {
	if opts.streamName == "" {
		return fmt.Errorf("a stream name is required")
	}

	switch opts.action {
	case "scaleUp", "scaleDown", "resize", "report":
	case "":
		return fmt.Errorf("a scaling action is required")
	default:
		return fmt.Errorf("unknown scaling action %q: use scaleUp, scaleDown, resize or report", opts.action)
	}

	countSet := cmd.Flags().Changed("count")
	pctSet := cmd.Flags().Changed("pct")

	if opts.action == "report" {
		if countSet || pctSet {
			return fmt.Errorf("report does not take a count or percentage")
		}
		return nil
	}

	if countSet == pctSet {
		return fmt.Errorf("provide either a scaling count or percentage, but not both")
	}
	if opts.action == "resize" && pctSet {
		return fmt.Errorf("resize takes an absolute shard count, not a percentage")
	}
	if opts.shardID != "" {
		if opts.action != "scaleUp" && opts.action != "scaleDown" {
			return fmt.Errorf("shard-id is only valid with scaleUp or scaleDown")
		}
		if !countSet {
			return fmt.Errorf("individual shards scale by an absolute count only")
		}
	}
	return nil
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	if err := validate(cmd, opts); err != nil {
		return err
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log, err := logging.NewLogger(logging.Config{Level: level, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var cfgOpts []func(*awsconfig.LoadOptions) error
	if opts.region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return fmt.Errorf("resolving provider configuration: %w", err)
	}

	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if opts.kinesisEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.kinesisEndpoint)
		}
	})

	ctl := streamctl.New(client, log)
	s := scaler.New(ctl, log, scaler.WithWaitForCompletion(opts.waitForCompletion))

	report, err := execute(ctx, cmd, s, opts, log)
	if report != nil {
		fmt.Fprintln(cmd.OutOrStdout(), report.String())
	}
	return err
}

func execute(ctx context.Context, cmd *cobra.Command, s *scaler.Scaler, opts *options, log logging.Logger) (*scaler.Report, error) {
	change := buildChange(ctx, cmd, opts, log)
	minShards := boundPtr(cmd.Flags(), "min-shards", opts.minShards)
	maxShards := boundPtr(cmd.Flags(), "max-shards", opts.maxShards)

	switch opts.action {
	case "report":
		return s.ReportFor(ctx, opts.streamName)
	case "resize":
		return s.Resize(ctx, opts.streamName, opts.count, minShards, maxShards)
	case "scaleDown":
		if opts.shardID != "" {
			return nil, fmt.Errorf("a single shard can only be scaled up")
		}
		return s.ScaleDown(ctx, opts.streamName, change, minShards, maxShards)
	default: // scaleUp
		if opts.shardID != "" {
			return s.ScaleShard(ctx, opts.streamName, opts.shardID, opts.count)
		}
		return s.ScaleUp(ctx, opts.streamName, change, minShards, maxShards)
	}
}

// buildChange maps the flags onto a scaling change. Unlike policy
// documents, the command line accepts scale up percentages at or below
// 100 and applies them additively.
func buildChange(ctx context.Context, cmd *cobra.Command, opts *options, log logging.Logger) scaler.Change {
	change := scaler.Change{}
	if cmd.Flags().Changed("count") {
		change.Count = &opts.count
	}
	if cmd.Flags().Changed("pct") {
		change.Pct = &opts.pct
		if opts.action == "scaleUp" && opts.pct <= 100 {
			log.Warn(ctx, "scale up percentage at or below 100 is additive: the stream grows by that share of its current size",
				zap.Float64("pct", opts.pct))
		}
	}
	return change
}

func boundPtr(flags *pflag.FlagSet, name string, value int) *int {
	if !flags.Changed(name) {
		return nil
	}
	return &value
}
