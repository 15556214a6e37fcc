package events

import (
	"context"
	"encoding/json"

	"verifyd/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of *sns.Client the forwarder uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// TerminalChannels are forwarded to the audit topic by default.
var TerminalChannels = []string{
	ChannelVerificationCompleted,
	ChannelVerificationFailed,
	ChannelVerificationExpired,
	ChannelVerificationCancelled,
	ChannelWebhookDeliveryFailed,
}

// SNSForwarder publishes selected bus events to an SNS topic.
type SNSForwarder struct {
	client   SNSPublisher
	topicARN string
	origin   string
	logger   logger.Logger
}

func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, err
	}
	return sns.NewFromConfig(awsCfg), nil
}

func NewSNSForwarder(client SNSPublisher, topicARN string, log logger.Logger) *SNSForwarder {
	return &SNSForwarder{
		client:   client,
		topicARN: topicARN,
		logger:   log.With(map[string]interface{}{"component": "sns_forwarder"}),
	}
}

// Attach subscribes the forwarder to channels on bus. Only envelopes that
// originated on this instance are forwarded.
func (f *SNSForwarder) Attach(bus *Bus, channels ...string) []*Subscription {
	if len(channels) == 0 {
		channels = TerminalChannels
	}
	f.origin = bus.Origin()
	subs := make([]*Subscription, 0, len(channels))
	for _, ch := range channels {
		subs = append(subs, bus.Subscribe(ch, f.forward))
	}
	return subs
}

func (f *SNSForwarder) forward(ctx context.Context, env *Envelope) error {
	if f.origin != "" && env.Origin != f.origin {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": {DataType: aws.String("String"), StringValue: aws.String(env.Type)},
		"tenant_id":  {DataType: aws.String("String"), StringValue: aws.String(env.TenantID.String())},
	}

	_, err = f.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(f.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return err
	}

	f.logger.Debug("Event forwarded to SNS", map[string]interface{}{
		"event_id":   env.ID,
		"event_type": env.Type,
	})
	return nil
}
