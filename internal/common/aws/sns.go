// internal/common/aws/sns.go
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the part of the SNS client the alert notifier calls.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSClient struct {
	client   SNSAPI
	topicARN string
}

func NewSNSClient(ctx context.Context, region, topicARN string) (*SNSClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewSNSClientWithAPI(sns.NewFromConfig(cfg), topicARN), nil
}

func NewSNSClientWithAPI(api SNSAPI, topicARN string) *SNSClient {
	return &SNSClient{client: api, topicARN: topicARN}
}

// PublishAlert publishes to the configured topic with severity and type as message attributes
// so that subscribers can filter.
func (s *SNSClient) PublishAlert(ctx context.Context, subject, message, severity, alertType string) (string, error) {
	// SNS rejects subjects over 100 characters
	if len(subject) > 100 {
		subject = subject[:100]
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"severity": {DataType: aws.String("String"), StringValue: aws.String(severity)},
			"type":     {DataType: aws.String("String"), StringValue: aws.String(alertType)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
