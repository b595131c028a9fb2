// internal/common/aws/ses.go
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the part of the SES client the alert notifier calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESClient struct {
	client SESAPI
	from   string
	to     []string
}

func NewSESClient(ctx context.Context, region, from string, to []string) (*SESClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewSESClientWithAPI(ses.NewFromConfig(cfg), from, to), nil
}

func NewSESClientWithAPI(api SESAPI, from string, to []string) *SESClient {
	return &SESClient{client: api, from: from, to: to}
}

// SendText sends a plain-text e-mail to the configured operator list.
func (s *SESClient) SendText(ctx context.Context, subject, body string) (string, error) {
	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: s.to},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
