package worker

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
)

func TestRenderMail(t *testing.T) {
	tests := []struct {
		kind        MailKind
		wantSubject string
		wantText    string
	}{
		{MailFirst, "Linen Shirt is back in stock!", "Shop now: https://shop.example/products/linen"},
		{MailThankYou, "Thanks for waiting: Linen Shirt is back in stock", "Get yours: https://shop.example/products/linen"},
		{MailReminder, "Reminder: Linen Shirt is still available", "Reminder 2 from shop.example."},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := RenderMail(MailMessage{
				Kind:           tt.kind,
				Recipient:      "jane@example.com",
				ProductTitle:   "Linen Shirt",
				ProductURL:     "https://shop.example/products/linen",
				ShopDomain:     "shop.example",
				ReminderNumber: 2,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", got.Subject, tt.wantSubject)
			}
			if !strings.Contains(got.Text, tt.wantText) {
				t.Errorf("text body missing %q:\n%s", tt.wantText, got.Text)
			}
			if !strings.Contains(got.HTML, `href="https://shop.example/products/linen"`) {
				t.Errorf("html body missing product link:\n%s", got.HTML)
			}
		})
	}
}

func TestRenderMail_EscapesHTML(t *testing.T) {
	got, err := RenderMail(MailMessage{Kind: MailFirst, ProductTitle: "<script>alert(1)</script>"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got.HTML, "<script>") {
		t.Errorf("html body was not escaped:\n%s", got.HTML)
	}
}

func TestRenderMail_UnknownKind(t *testing.T) {
	if _, err := RenderMail(MailMessage{Kind: "sms"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestMailKindFor(t *testing.T) {
	tests := []struct {
		jobType db.JobType
		want    MailKind
		ok      bool
	}{
		{db.JobFirstNotification, MailFirst, true},
		{db.JobThankYouNotification, MailThankYou, true},
		{db.JobReminderEmail, MailReminder, true},
		{db.JobReminderSMS, "", false},
	}

	for _, tt := range tests {
		got, ok := mailKindFor(tt.jobType)
		if got != tt.want || ok != tt.ok {
			t.Errorf("mailKindFor(%s) = (%q, %v), want (%q, %v)", tt.jobType, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLogSender(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	if err := sender.Send(context.Background(), MailMessage{Kind: MailFirst, Recipient: "a@b.co"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
