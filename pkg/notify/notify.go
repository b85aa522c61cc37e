// Package notify delivers user-facing notifications of background work.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Notification is a message to a platform user.
type Notification struct {
	Recipient  string    `db:"recipient" json:"recipient"`
	Subject    string    `db:"subject" json:"subject"`
	Message    string    `db:"message" json:"message"`
	Collection string    `db:"collection" json:"collection,omitempty"`
	Item       string    `db:"item" json:"item,omitempty"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StatusInbox is the status of an unread notification.
const StatusInbox = "inbox"

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// SQLNotifier stores notifications in the platform notifications table.
type SQLNotifier struct {
	DB        *sqlx.DB
	TableName string
}

// Assert SQLNotifier implements Notifier.
var _ Notifier = (*SQLNotifier)(nil)

// CreateTable creates the notifications table.
func (s *SQLNotifier) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = "CREATE TABLE IF NOT EXISTS `%s` (" + `
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	recipient VARCHAR(255) NOT NULL,
	subject VARCHAR(255) NOT NULL,
	message TEXT NOT NULL,
	collection VARCHAR(64) NULL,
	item VARCHAR(255) NULL,
	status VARCHAR(16) NOT NULL,
	created_at DATETIME NOT NULL,
	KEY recipient_status (recipient, status)
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName))
	return err
}

// Notify inserts a notification row.
// Zero Status and CreatedAt are filled in.
func (s *SQLNotifier) Notify(ctx context.Context, n *Notification) error {
	row := *n
	if row.Status == "" {
		row.Status = StatusInbox
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	// language=MariaDB
	const template = "INSERT INTO `%s` (recipient, subject, message, collection, item, status, created_at)" + `
VALUES (:recipient, :subject, :message, :collection, :item, :status, :created_at);`
	if _, err := s.DB.NamedExecContext(ctx, fmt.Sprintf(template, s.TableName), &row); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// KafkaNotifier publishes notifications as JSON, keyed by recipient.
type KafkaNotifier struct {
	Producer sarama.SyncProducer
	Topic    string
	Log      *zap.Logger
}

// Assert KafkaNotifier implements Notifier.
var _ Notifier = (*KafkaNotifier)(nil)

// Notify produces one message.
func (k *KafkaNotifier) Notify(_ context.Context, n *Notification) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return err
	}
	partition, offset, err := k.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.Topic,
		Key:   sarama.StringEncoder(n.Recipient),
		Value: sarama.ByteEncoder(buf),
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	k.Log.Debug("Published notification",
		zap.String("recipient", n.Recipient),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Multi sends to every notifier and returns the first error.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n *Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
