// Package notify delivers scaling reports to external sinks. Policies
// naming an SNS topic publish there; a configured NATS URL adds a broker
// sink that receives every report as JSON.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

// Notifier is the notification capability injected into stream monitors.
type Notifier interface {
	Publish(ctx context.Context, subject, body string) error
}

// SNSAPI is the subset of the SNS client the notifier uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes scaling reports to one SNS topic.
type SNSNotifier struct {
	api      SNSAPI
	topicARN string
	log      logging.Logger
}

// NewSNSNotifier creates a notifier bound to a topic ARN.
func NewSNSNotifier(api SNSAPI, topicARN string, log logging.Logger) *SNSNotifier {
	return &SNSNotifier{api: api, topicARN: topicARN, log: log}
}

// Publish sends one message to the topic.
func (n *SNSNotifier) Publish(ctx context.Context, subject, body string) error {
	n.log.Info(ctx, "publishing scaling report",
		zap.String("target", n.topicARN), zap.String("subject", subject))

	_, err := n.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", n.topicARN, err)
	}
	return nil
}
