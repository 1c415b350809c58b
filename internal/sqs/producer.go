package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
)

// sendAPI is the part of the SQS client the producer uses
type sendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string
}

// DeliveryEvent is the message exported for every delivered notification.
// Analytics consumers read these; the queue itself never does.
type DeliveryEvent struct {
	EventID        string    `json:"eventId"`
	SubscriptionID string    `json:"subscriptionId"`
	JobID          string    `json:"jobId"`
	ShopID         string    `json:"shopId"`
	Type           string    `json:"type"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject"`
	SentAt         time.Time `json:"sentAt"`
	ExportedAt     int64     `json:"exportedAt"`
}

// Producer exports delivery events to SQS.
type Producer struct {
	client   sendAPI
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs delivery exporter initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// ExportDelivery sends one delivery log entry as an event. The shop ID is a
// message attribute so consumers can filter without decoding the body.
func (p *Producer) ExportDelivery(ctx context.Context, d *db.DeliveryLog) error {
	event := DeliveryEvent{
		EventID:        d.ID.String(),
		SubscriptionID: d.SubscriptionID.String(),
		JobID:          d.JobID.String(),
		ShopID:         d.ShopID,
		Type:           d.Type,
		Recipient:      d.Recipient,
		Subject:        d.Subject,
		SentAt:         d.SentAt,
		ExportedAt:     time.Now().UnixNano(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"shop_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(d.ShopID),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(d.Type),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to export delivery event",
			zap.Error(err),
			zap.String("job_id", event.JobID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("delivery event exported",
		zap.String("job_id", event.JobID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
