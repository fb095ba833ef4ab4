package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/directory"
	"github.com/lalithlochan/herald/internal/metrics"
)

// pipeline renders content and pushes it to every channel the profile has
// a destination for.
type pipeline struct {
	renderer Renderer
	email    channel.EmailSender
	sms      channel.SMSSender
	logger   *zap.Logger
}

// deliver returns the email delivery token, if any. A render failure
// returns before any channel is tried. Otherwise each channel is attempted
// independently and their failures are joined.
func (p *pipeline) deliver(ctx context.Context, profile *directory.Profile, eventType string, values map[string]any) (string, error) {
	content, err := p.renderer.Render(eventType, profile.PreferredLanguage, values)
	if err != nil {
		return "", err
	}

	if profile.Email == "" && profile.PhoneNumber == "" {
		p.logger.Warn("user has no delivery destination",
			zap.String("event_type", eventType),
		)
		return "", nil
	}

	var (
		token   string
		sendErr []error
	)

	if profile.Email != "" {
		t, err := p.email.SendEmail(ctx, profile.Email, content.Subject, content.Body)
		if err != nil {
			metrics.RecordChannelSend(channel.Email, "failure")
			sendErr = append(sendErr, asSendError(channel.Email, err))
		} else {
			metrics.RecordChannelSend(channel.Email, "success")
			token = t
		}
	}

	if profile.PhoneNumber != "" {
		if err := p.sms.SendSMS(ctx, profile.PhoneNumber, content.Body); err != nil {
			metrics.RecordChannelSend(channel.SMS, "failure")
			sendErr = append(sendErr, asSendError(channel.SMS, err))
		} else {
			metrics.RecordChannelSend(channel.SMS, "success")
		}
	}

	if len(sendErr) > 0 {
		return token, errors.Join(sendErr...)
	}
	return token, nil
}

func asSendError(ch string, err error) error {
	var se *channel.SendError
	if errors.As(err, &se) {
		return err
	}
	return &channel.SendError{Channel: ch, Err: err}
}
