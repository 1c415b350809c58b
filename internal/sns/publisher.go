package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
)

// publishAPI is the part of the SNS client the publisher uses
type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS alert topic settings
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the service endpoint (LocalStack)
	Endpoint string
}

// Publisher sends operational alerts to an SNS topic. Operators subscribe
// email or chat integrations to the topic.
type Publisher struct {
	client   publishAPI
	topicARN string
	logger   *zap.Logger
}

// JobFailureAlert is the message body published when a job fails for good
type JobFailureAlert struct {
	Event          string    `json:"event"`
	JobID          string    `json:"jobId"`
	SubscriptionID string    `json:"subscriptionId"`
	JobType        string    `json:"jobType"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failedAt"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns alert publisher initialized", zap.String("topic_arn", cfg.TopicARN))

	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// NotifyJobFailed publishes an alert for a job that will not be retried
func (p *Publisher) NotifyJobFailed(ctx context.Context, job *db.QueueJob, reason string) error {
	alert := JobFailureAlert{
		Event:          "job_failed",
		JobID:          job.ID.String(),
		SubscriptionID: job.SubscriptionID.String(),
		JobType:        string(job.Type),
		Attempts:       job.Attempts,
		Reason:         reason,
		FailedAt:       time.Now().UTC(),
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(fmt.Sprintf("stockalert: %s job failed", job.Type)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Event),
			},
			"job_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.JobType),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Info("job failure alert published",
		zap.String("job_id", alert.JobID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
