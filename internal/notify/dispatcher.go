package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/metrics"
	"github.com/ukydev/trackhub/internal/models"
)

// ErrChannelDisabled is returned when no sender is configured for a channel.
var ErrChannelDisabled = errors.New("notification channel disabled")

// DefaultMaxAttempts bounds the retries of a queued email.
const DefaultMaxAttempts = 5

// Dispatcher renders alerts and sends them. Failed emails are queued in the
// outbox and retried by RetryPending; failed SMS are only reported.
type Dispatcher struct {
	mailer      Mailer
	sms         SMSSender
	outbox      Outbox
	maxAttempts int
	now         func() time.Time
}

// NewDispatcher creates a dispatcher. Any of the senders may be nil to
// disable its channel; a nil outbox uses an in-memory stack.
func NewDispatcher(mailer Mailer, sms SMSSender, outbox Outbox) *Dispatcher {
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	return &Dispatcher{
		mailer:      mailer,
		sms:         sms,
		outbox:      outbox,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// Email sends the alert to an email address.
func (d *Dispatcher) Email(ctx context.Context, to string, alert Alert) error {
	if d.mailer == nil {
		return ErrChannelDisabled
	}
	if to == "" {
		metrics.Notifications.WithLabelValues(models.ChannelEmail, "skipped").Inc()
		return ErrNoRecipient
	}
	msg, err := Render(alert)
	if err != nil {
		return err
	}

	if err := d.mailer.Send(ctx, to, msg.Subject, msg.Body); err != nil {
		metrics.Notifications.WithLabelValues(models.ChannelEmail, "failed").Inc()
		entry := models.OutboxEntry{
			ID:        uuid.NewString(),
			Channel:   models.ChannelEmail,
			To:        to,
			Subject:   msg.Subject,
			Body:      msg.Body,
			Attempts:  1,
			LastError: err.Error(),
			CreatedAt: d.now(),
		}
		if qerr := d.outbox.PushOutbox(ctx, entry); qerr != nil {
			log.WithError(qerr).WithFields(log.Fields{"to": to, "critical": true}).Error("failed to queue email")
		}
		return fmt.Errorf("send email: %w", err)
	}
	metrics.Notifications.WithLabelValues(models.ChannelEmail, "sent").Inc()
	return nil
}

// SMS sends the alert to a phone number.
func (d *Dispatcher) SMS(ctx context.Context, to string, alert Alert) error {
	if d.sms == nil {
		return ErrChannelDisabled
	}
	if to == "" {
		metrics.Notifications.WithLabelValues(models.ChannelSMS, "skipped").Inc()
		return ErrNoRecipient
	}
	msg, err := Render(alert)
	if err != nil {
		return err
	}
	if err := d.sms.Send(ctx, to, msg.Body); err != nil {
		metrics.Notifications.WithLabelValues(models.ChannelSMS, "failed").Inc()
		return fmt.Errorf("send sms: %w", err)
	}
	metrics.Notifications.WithLabelValues(models.ChannelSMS, "sent").Inc()
	return nil
}

// RetryPending drains the outbox once and retries every queued email.
// Entries that fail again go back to the outbox until they reach the
// attempt limit. It returns the number of emails delivered.
func (d *Dispatcher) RetryPending(ctx context.Context) (int, error) {
	if d.mailer == nil {
		return 0, nil
	}

	var batch []models.OutboxEntry
	for {
		entry, err := d.outbox.PopOutbox(ctx)
		if err != nil {
			d.requeue(ctx, batch)
			return 0, fmt.Errorf("pop outbox: %w", err)
		}
		if entry == nil {
			break
		}
		batch = append(batch, *entry)
	}

	sent := 0
	var failed []models.OutboxEntry
	for _, entry := range batch {
		if err := d.mailer.Send(ctx, entry.To, entry.Subject, entry.Body); err != nil {
			entry.Attempts++
			entry.LastError = err.Error()
			if entry.Attempts >= d.maxAttempts {
				metrics.Notifications.WithLabelValues(models.ChannelEmail, "abandoned").Inc()
				log.WithFields(log.Fields{
					"to":       entry.To,
					"attempts": entry.Attempts,
				}).WithError(err).Error("giving up on queued email")
				continue
			}
			metrics.Notifications.WithLabelValues(models.ChannelEmail, "failed").Inc()
			failed = append(failed, entry)
			continue
		}
		metrics.Notifications.WithLabelValues(models.ChannelEmail, "sent").Inc()
		sent++
	}
	d.requeue(ctx, failed)
	return sent, nil
}

func (d *Dispatcher) requeue(ctx context.Context, entries []models.OutboxEntry) {
	for _, entry := range entries {
		if err := d.outbox.PushOutbox(ctx, entry); err != nil {
			log.WithError(err).WithFields(log.Fields{"to": entry.To, "critical": true}).Error("failed to requeue email")
		}
	}
}

// Run retries the outbox every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := d.RetryPending(ctx)
			if err != nil {
				log.WithError(err).Warn("email retry failed")
				continue
			}
			if sent > 0 {
				log.WithField("sent", sent).Info("queued emails delivered")
			}
		}
	}
}

// MemoryOutbox is a process-local outbox. The most recent entry is retried
// first.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []models.OutboxEntry
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (o *MemoryOutbox) PushOutbox(_ context.Context, entry models.OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
	return nil
}

func (o *MemoryOutbox) PopOutbox(_ context.Context) (*models.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.entries) == 0 {
		return nil, nil
	}
	entry := o.entries[len(o.entries)-1]
	o.entries = o.entries[:len(o.entries)-1]
	return &entry, nil
}

// Len returns the number of queued entries.
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
