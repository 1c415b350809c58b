package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestProducer_ExportDelivery(t *testing.T) {
	fake := &fakeSQS{}
	p := &Producer{client: fake, queueURL: "https://sqs.local/deliveries", logger: zap.NewNop()}

	d := &db.DeliveryLog{
		ID:             uuid.New(),
		SubscriptionID: uuid.New(),
		JobID:          uuid.New(),
		ShopID:         "demo.myshopify.com",
		Type:           db.DeliveryFirstEmail,
		Status:         db.DeliveryStatusSent,
		Recipient:      "ana@example.com",
		Subject:        "Linen Shirt is back in stock",
		SentAt:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	if err := p.ExportDelivery(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.inputs))
	}

	in := fake.inputs[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/deliveries" {
		t.Errorf("queue url = %s", aws.ToString(in.QueueUrl))
	}
	if got := aws.ToString(in.MessageAttributes["shop_id"].StringValue); got != d.ShopID {
		t.Errorf("shop_id attribute = %s", got)
	}

	var ev DeliveryEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &ev); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if ev.JobID != d.JobID.String() || ev.Type != "first_email" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.SentAt.Equal(d.SentAt) {
		t.Errorf("sentAt = %v, want %v", ev.SentAt, d.SentAt)
	}
}

func TestProducer_ExportDelivery_SendError(t *testing.T) {
	fake := &fakeSQS{err: errors.New("access denied")}
	p := &Producer{client: fake, queueURL: "q", logger: zap.NewNop()}

	if err := p.ExportDelivery(context.Background(), &db.DeliveryLog{ID: uuid.New()}); err == nil {
		t.Fatal("expected error")
	}
}
