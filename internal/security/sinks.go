package security

import (
	"context"
	"fmt"
	"html"

	"helpdesk-service/internal/events"
	"helpdesk-service/internal/rooms"

	"go.uber.org/zap"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("severity", string(ev.Severity)),
		zap.String("principal", ev.Principal),
		zap.String("session_id", ev.SessionID),
		zap.String("family", ev.Family),
		zap.String("source", ev.Source),
		zap.String("detail", ev.Detail),
		zap.Time("at", ev.At),
	}
	if ev.Severity == SeverityCritical {
		s.logger.Error("security event", fields...)
		return nil
	}
	s.logger.Warn("security event", fields...)
	return nil
}

// Mailer sends one HTML email.
type Mailer interface {
	Send(to, subject, bodyHTML string) error
}

// EmailSink mails critical events to the security desk.
type EmailSink struct {
	mailer    Mailer
	recipient string
}

func NewEmailSink(mailer Mailer, recipient string) *EmailSink {
	return &EmailSink{mailer: mailer, recipient: recipient}
}

func (s *EmailSink) Handle(_ context.Context, ev Event) error {
	if s.mailer == nil || s.recipient == "" || ev.Severity != SeverityCritical {
		return nil
	}

	subject := fmt.Sprintf("[helpdesk] security alert: %s", ev.Kind)
	body := fmt.Sprintf(
		`<p>A <strong>%s</strong> event was detected at %s.</p>
<ul>
<li>Principal: %s</li>
<li>Session: %s</li>
<li>Token family: %s</li>
<li>Detail: %s</li>
</ul>`,
		html.EscapeString(string(ev.Kind)),
		ev.At.Format("2006-01-02 15:04:05 MST"),
		html.EscapeString(ev.Principal),
		html.EscapeString(ev.SessionID),
		html.EscapeString(ev.Family),
		html.EscapeString(ev.Detail),
	)
	if err := s.mailer.Send(s.recipient, subject, body); err != nil {
		return fmt.Errorf("failed to mail security alert: %w", err)
	}
	return nil
}

// Publisher is the part of the event engine RoomSink needs.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event, targets ...rooms.ID) (*events.Receipt, error)
}

// RoomSink tells the affected user's tabs about the event.
type RoomSink struct {
	publisher Publisher
}

func NewRoomSink(publisher Publisher) *RoomSink {
	return &RoomSink{publisher: publisher}
}

func (s *RoomSink) Handle(ctx context.Context, ev Event) error {
	if ev.Principal == "" {
		return nil
	}
	alert, err := events.New(events.TypeSecurityAlert, ev)
	if err != nil {
		return err
	}
	if _, err := s.publisher.Publish(ctx, alert, rooms.User(ev.Principal)); err != nil {
		return fmt.Errorf("failed to publish security alert: %w", err)
	}
	return nil
}
