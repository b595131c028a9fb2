package alerts

import (
	"context"
	"fmt"

	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
)

// TopicPublisher is satisfied by aws.SNSClient.
type TopicPublisher interface {
	PublishAlert(ctx context.Context, subject, message, severity, alertType string) (string, error)
}

// EmailSender is satisfied by aws.SESClient.
type EmailSender interface {
	SendText(ctx context.Context, subject, body string) (string, error)
}

// Notifier forwards alert.created events: every alert to SNS, high and critical ones also by e-mail.
// Either target may be nil.
type Notifier struct {
	sns TopicPublisher
	ses EmailSender
	log logger.Logger
}

func NewNotifier(sns TopicPublisher, ses EmailSender, log logger.Logger) *Notifier {
	return &Notifier{sns: sns, ses: ses, log: log.Named("alert_notifier")}
}

// Handle is a bus Handler for alert.created.
func (n *Notifier) Handle(ctx context.Context, e eventbus.Event) error {
	var a eventbus.AlertCreated
	if err := e.Decode(&a); err != nil {
		return err
	}

	subject := fmt.Sprintf("[%s] %s", a.Severity, a.Title)
	body := a.Message
	if a.EntityID != "" {
		body = fmt.Sprintf("%s\n\n%s: %s", a.Message, a.EntityType, a.EntityID)
	}

	if n.sns != nil {
		id, err := n.sns.PublishAlert(ctx, subject, body, string(a.Severity), a.Type)
		if err != nil {
			return err
		}
		n.log.Debug("alert published to SNS", map[string]interface{}{"alertId": a.AlertID, "messageId": id})
	}

	if n.ses != nil && (a.Severity == models.SeverityHigh || a.Severity == models.SeverityCritical) {
		id, err := n.ses.SendText(ctx, subject, body)
		if err != nil {
			return err
		}
		n.log.Info("alert e-mailed", map[string]interface{}{"alertId": a.AlertID, "messageId": id})
	}
	return nil
}
