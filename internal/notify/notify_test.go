package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/trackhub/internal/models"
)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, to, subject, body string) error {
	args := m.Called(ctx, to, subject, body)
	return args.Error(0)
}

type mockSMS struct {
	mock.Mock
}

func (m *mockSMS) Send(ctx context.Context, to, body string) error {
	args := m.Called(ctx, to, body)
	return args.Error(0)
}

var alertDate = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		alert    Alert
		subject  string
		contains []string
		wantErr  error
	}{
		{
			name:     "speeding with location",
			alert:    Alert{Kind: models.AlertSpeeding, Numberplate: "AB-123-CD", Location: "Rue de Paris", Date: alertDate},
			subject:  "Speeding: AB-123-CD",
			contains: []string{"AB-123-CD", "near Rue de Paris", "2026-05-04 10:30:00 UTC"},
		},
		{
			name:     "fence out without location",
			alert:    Alert{Kind: models.AlertFenceOut, Numberplate: "XY-1", Date: alertDate},
			subject:  "XY-1 left its zone",
			contains: []string{"left its geofence at"},
		},
		{
			name:    "soft alert has no template",
			alert:   Alert{Kind: models.AlertBatteryLow},
			wantErr: ErrNoTemplate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Render(tt.alert)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.subject, msg.Subject)
			for _, c := range tt.contains {
				assert.Contains(t, msg.Body, c)
			}
			if tt.alert.Location == "" {
				assert.NotContains(t, msg.Body, "near")
			}
		})
	}
}

func TestRender_EveryNotifyWorthyKind(t *testing.T) {
	kinds := []models.AlertKind{
		models.AlertSOS, models.AlertRelayOn, models.AlertSpeeding, models.AlertSuspiciousActivity,
		models.AlertImpact, models.AlertFenceIn, models.AlertFenceOut,
	}
	for _, k := range kinds {
		msg, err := Render(Alert{Kind: k, Numberplate: "P", Date: alertDate})
		require.NoError(t, err, k)
		assert.Contains(t, msg.Subject, "P")
	}
}

func TestDispatcher_Email(t *testing.T) {
	mailer := new(mockMailer)
	outbox := NewMemoryOutbox()
	d := NewDispatcher(mailer, nil, outbox)
	alert := Alert{Kind: models.AlertSOS, Numberplate: "AB-123-CD", Date: alertDate}

	mailer.On("Send", mock.Anything, "owner@example.com", "SOS from AB-123-CD", mock.Anything).Return(nil).Once()
	require.NoError(t, d.Email(context.Background(), "owner@example.com", alert))
	assert.Equal(t, 0, outbox.Len())
	mailer.AssertExpectations(t)
}

func TestDispatcher_EmailFailureIsQueued(t *testing.T) {
	mailer := new(mockMailer)
	outbox := NewMemoryOutbox()
	d := NewDispatcher(mailer, nil, outbox)
	alert := Alert{Kind: models.AlertImpact, Numberplate: "AB-123-CD", Date: alertDate}

	mailer.On("Send", mock.Anything, "owner@example.com", mock.Anything, mock.Anything).Return(errors.New("relay down")).Once()
	err := d.Email(context.Background(), "owner@example.com", alert)
	require.Error(t, err)
	assert.Equal(t, 1, outbox.Len())

	entry, err := outbox.PopOutbox(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.ChannelEmail, entry.Channel)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "relay down", entry.LastError)
	assert.NotEmpty(t, entry.ID)
}

func TestDispatcher_NoRecipient(t *testing.T) {
	mailer := new(mockMailer)
	sms := new(mockSMS)
	d := NewDispatcher(mailer, sms, nil)
	alert := Alert{Kind: models.AlertSOS}

	assert.ErrorIs(t, d.Email(context.Background(), "", alert), ErrNoRecipient)
	assert.ErrorIs(t, d.SMS(context.Background(), "", alert), ErrNoRecipient)
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	sms.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_DisabledChannels(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	alert := Alert{Kind: models.AlertSOS}
	assert.ErrorIs(t, d.Email(context.Background(), "a@b.c", alert), ErrChannelDisabled)
	assert.ErrorIs(t, d.SMS(context.Background(), "+33600000000", alert), ErrChannelDisabled)
}

func TestDispatcher_SMSFailureIsNotQueued(t *testing.T) {
	sms := new(mockSMS)
	outbox := NewMemoryOutbox()
	d := NewDispatcher(nil, sms, outbox)

	sms.On("Send", mock.Anything, "+33600000000", mock.Anything).Return(errors.New("gateway down")).Once()
	err := d.SMS(context.Background(), "+33600000000", Alert{Kind: models.AlertSpeeding, Numberplate: "P"})
	assert.Error(t, err)
	assert.Equal(t, 0, outbox.Len())
}

func TestDispatcher_RetryPending(t *testing.T) {
	ctx := context.Background()
	mailer := new(mockMailer)
	outbox := NewMemoryOutbox()
	d := NewDispatcher(mailer, nil, outbox)

	require.NoError(t, outbox.PushOutbox(ctx, models.OutboxEntry{ID: "1", To: "ok@example.com", Attempts: 1}))
	require.NoError(t, outbox.PushOutbox(ctx, models.OutboxEntry{ID: "2", To: "fail@example.com", Attempts: 1}))
	require.NoError(t, outbox.PushOutbox(ctx, models.OutboxEntry{ID: "3", To: "dead@example.com", Attempts: DefaultMaxAttempts - 1}))

	mailer.On("Send", mock.Anything, "ok@example.com", mock.Anything, mock.Anything).Return(nil)
	mailer.On("Send", mock.Anything, "fail@example.com", mock.Anything, mock.Anything).Return(errors.New("again"))
	mailer.On("Send", mock.Anything, "dead@example.com", mock.Anything, mock.Anything).Return(errors.New("again"))

	sent, err := d.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Equal(t, 1, outbox.Len())

	entry, _ := outbox.PopOutbox(ctx)
	assert.Equal(t, "2", entry.ID)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, "again", entry.LastError)
}

func TestMemoryOutbox_LIFO(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOutbox()
	empty, err := o.PopOutbox(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_ = o.PushOutbox(ctx, models.OutboxEntry{ID: "a"})
	_ = o.PushOutbox(ctx, models.OutboxEntry{ID: "b"})
	first, _ := o.PopOutbox(ctx)
	second, _ := o.PopOutbox(ctx)
	assert.Equal(t, "b", first.ID)
	assert.Equal(t, "a", second.ID)
}

func TestHTTPGateway_Send(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "secret", "TRACKHUB")
	require.NoError(t, g.Send(context.Background(), " +33600000000 ", "hello"))
	assert.Equal(t, map[string]string{"from": "TRACKHUB", "to": "+33600000000", "message": "hello"}, got)
}

func TestHTTPGateway_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "", "TRACKHUB")
	err := g.Send(context.Background(), "+33600000000", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")

	assert.ErrorIs(t, g.Send(context.Background(), "  ", "hello"), ErrNoRecipient)
}

func TestSMTPMailer_Send(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "mail.example.com", Port: 587, Username: "u", Password: "p", From: "alerts@example.com"})
	var addr string
	var rcpt []string
	var msg []byte
	m.send = func(a string, _ smtp.Auth, from string, to []string, body []byte) error {
		addr, rcpt, msg = a, to, body
		return nil
	}

	require.NoError(t, m.Send(context.Background(), "owner@example.com", "Subject line", "Body text"))
	assert.Equal(t, "mail.example.com:587", addr)
	assert.Equal(t, []string{"owner@example.com"}, rcpt)
	text := string(msg)
	assert.True(t, strings.HasPrefix(text, "From: alerts@example.com\r\n"))
	assert.Contains(t, text, "Subject: Subject line\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\nBody text\r\n"))

	assert.ErrorIs(t, m.Send(context.Background(), "", "s", "b"), ErrNoRecipient)
}

func TestSMTPMailer_ContextCancelled(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "mail.example.com", Port: 25})
	block := make(chan struct{})
	defer close(block)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Send(ctx, "owner@example.com", "s", "b"), context.DeadlineExceeded)
}
