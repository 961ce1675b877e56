package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// AWSOptions selects the SQS region and credentials. Empty keys fall back
// to the default credential chain.
type AWSOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewSQSClient builds an SQS client.
func NewSQSClient(ctx context.Context, opts AWSOptions) (*sqs.Client, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("crm: load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

type syncMessage struct {
	DonationID string    `json:"donation_id"`
	QueuedAt   time.Time `json:"queued_at"`
}

// SQSDispatcher publishes sync requests to a queue.
type SQSDispatcher struct {
	Client   SQSAPI
	QueueURL string
}

func (d SQSDispatcher) Dispatch(ctx context.Context, donationID string) error {
	body, err := json.Marshal(syncMessage{DonationID: donationID, QueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("crm: encode message: %w", err)
	}
	_, err = d.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("crm: send message: %w", err)
	}
	return nil
}

// Consumer long-polls the sync queue and runs each request through Handle.
// A message is deleted once handled, even when the sync failed: the error
// is already stored on the donation.
type Consumer struct {
	Client   SQSAPI
	QueueURL string
	Handle   func(ctx context.Context, donationID string) error
	Logger   zerolog.Logger
	// ErrorBackoff pauses polling after a receive error.
	ErrorBackoff time.Duration
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.ErrorBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	c.Logger.Info().Str("queue", c.QueueURL).Msg("crm: queue consumer started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.PollOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.Logger.Error().Err(err).Msg("crm: receive failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		if n > 0 {
			c.Logger.Debug().Int("messages", n).Msg("crm: batch handled")
		}
	}
}

// PollOnce receives one batch and handles it. It returns the number of
// messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.QueueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return 0, err
	}
	for _, msg := range out.Messages {
		var m syncMessage
		body := aws.ToString(msg.Body)
		if err := json.Unmarshal([]byte(body), &m); err != nil || strings.TrimSpace(m.DonationID) == "" {
			c.Logger.Warn().Str("message_id", aws.ToString(msg.MessageId)).Msg("crm: dropping malformed message")
		} else if err := c.Handle(ctx, m.DonationID); err != nil {
			c.Logger.Warn().Err(err).Str("donation_id", m.DonationID).Msg("crm: sync from queue failed")
		}
		if _, err := c.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			c.Logger.Error().Err(err).Str("message_id", aws.ToString(msg.MessageId)).Msg("crm: delete message failed")
		}
	}
	return len(out.Messages), nil
}
