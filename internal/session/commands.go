package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/store"
	"github.com/noah-isme/gema-livechat/internal/timeline"
	"github.com/noah-isme/gema-livechat/internal/typing"
)

// ErrInvalidCommand wraps payloads that fail to decode or validate.
var ErrInvalidCommand = errors.New("invalid command")

// Handle runs one command and answers it with an ack or error event.
// Failures never end the session.
func (s *Session) Handle(ctx context.Context, cmd dto.SessionCommand) error {
	ack, err := s.handle(ctx, cmd)
	if err != nil {
		code := errorCode(err)
		s.logger.Warn().Err(err).Str("command", cmd.Type).Str("code", code).Msg("session command failed")
		s.emit(dto.EventError, cmd.ID, dto.ErrorEventData{Command: cmd.Type, Code: code, Message: err.Error()})
		return err
	}

	ack.Command = cmd.Type
	s.emit(dto.EventAck, cmd.ID, ack)
	return nil
}

func (s *Session) handle(ctx context.Context, cmd dto.SessionCommand) (dto.AckEventData, error) {
	var ack dto.AckEventData
	if err := s.validator.Struct(cmd); err != nil {
		return ack, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	switch cmd.Type {
	case dto.CommandOpen:
		var payload dto.OpenCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		ref := models.GroupConversation(payload.GroupID)
		if payload.Kind == string(models.ConversationDirect) {
			ref = models.DirectConversation(s.self.UserID, payload.PeerID)
		}
		return ack, s.Open(ctx, ref)

	case dto.CommandKeystroke:
		var payload dto.KeystrokeCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		conv, err := s.current()
		if err != nil {
			return ack, err
		}
		return ack, conv.debouncer.Keystroke(ctx, payload.Text)

	case dto.CommandSendText:
		var payload dto.SendTextCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		return s.send(ctx, func(tl *timeline.Timeline, reply *models.ReplyRef) (string, error) {
			return tl.SendText(ctx, payload.Text, reply)
		})

	case dto.CommandSendImage:
		var payload dto.SendImageCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		return s.send(ctx, func(tl *timeline.Timeline, reply *models.ReplyRef) (string, error) {
			return tl.SendImage(ctx, payload.ImageURL, payload.Caption, reply)
		})

	case dto.CommandSendVoice:
		var payload dto.SendVoiceCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		audio, err := base64.StdEncoding.DecodeString(payload.Audio)
		if err != nil {
			return ack, fmt.Errorf("%w: %v", timeline.ErrMalformedAudio, err)
		}
		return s.send(ctx, func(tl *timeline.Timeline, reply *models.ReplyRef) (string, error) {
			return tl.SendVoice(ctx, audio, payload.Mime, payload.Duration, reply)
		})

	case dto.CommandEdit:
		var payload dto.EditCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		return s.onTimeline(func(tl *timeline.Timeline) error { return tl.Edit(ctx, payload.MessageID, payload.Text) })

	case dto.CommandDelete, dto.CommandPin, dto.CommandUnpin, dto.CommandUnreact:
		var payload dto.MessageCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		return s.onTimeline(func(tl *timeline.Timeline) error {
			switch cmd.Type {
			case dto.CommandDelete:
				return tl.Delete(ctx, payload.MessageID)
			case dto.CommandPin:
				return tl.Pin(ctx, payload.MessageID)
			case dto.CommandUnpin:
				return tl.Unpin(ctx, payload.MessageID)
			default:
				return tl.Unreact(ctx, payload.MessageID)
			}
		})

	case dto.CommandReact:
		var payload dto.ReactCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		return s.onTimeline(func(tl *timeline.Timeline) error { return tl.React(ctx, payload.MessageID, payload.Emoji) })

	case dto.CommandMarkRead:
		conv, err := s.current()
		if err != nil {
			return ack, err
		}
		ack.Count, err = conv.timeline.MarkRead(ctx)
		return ack, err

	case dto.CommandReplyTo:
		var payload dto.ReplyToCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		conv, err := s.current()
		if err != nil {
			return ack, err
		}
		var reply *models.ReplyRef
		if id := strings.TrimSpace(payload.MessageID); id != "" {
			if reply, err = conv.timeline.ReplyTo(id); err != nil {
				return ack, err
			}
		}
		s.mu.Lock()
		s.reply = reply
		s.mu.Unlock()
		if reply != nil {
			ack.Reply = reply
		}
		return ack, nil

	case dto.CommandAttention:
		var payload dto.AttentionCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		s.reconciler.SetAttention(notify.AttentionFrom(payload.Focused, payload.Visible))
		return ack, nil

	case dto.CommandPermission:
		var payload dto.PermissionCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		s.reconciler.SetPermission(notify.ParsePermission(payload.Permission))
		return ack, nil

	case dto.CommandNotificationClick:
		var payload dto.NotificationClickCommand
		if err := s.decode(cmd, &payload); err != nil {
			return ack, err
		}
		return ack, s.reconciler.Click(ctx, payload.NotificationID)
	}

	return ack, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
}

// send performs one send on the open conversation, consuming the pending reply
// and ending typing. Text the send failed on stays with the tab for a retry.
func (s *Session) send(ctx context.Context, fn func(*timeline.Timeline, *models.ReplyRef) (string, error)) (dto.AckEventData, error) {
	var ack dto.AckEventData

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ack, ErrClosed
	}
	conv, reply := s.conv, s.reply
	s.mu.Unlock()
	if conv == nil {
		return ack, ErrNoConversation
	}

	id, err := fn(conv.timeline, reply)
	if err != nil {
		return ack, err
	}

	s.mu.Lock()
	if s.conv == conv {
		s.reply = nil
	}
	s.mu.Unlock()

	if err := conv.debouncer.Sent(ctx); err != nil && !errors.Is(err, typing.ErrClosed) {
		s.logger.Warn().Err(err).Msg("failed to clear typing signal after send")
	}

	ack.MessageID = id
	return ack, nil
}

func (s *Session) onTimeline(fn func(*timeline.Timeline) error) (dto.AckEventData, error) {
	conv, err := s.current()
	if err != nil {
		return dto.AckEventData{}, err
	}
	return dto.AckEventData{}, fn(conv.timeline)
}

func (s *Session) decode(cmd dto.SessionCommand, out any) error {
	data := cmd.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := s.validator.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

// errorCode maps failures onto the small set of codes the tab renders.
func errorCode(err error) string {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrInvalidCommand), errors.As(err, &validationErrs):
		return "invalid_command"
	case errors.Is(err, ErrNoConversation):
		return "no_conversation"
	case errors.Is(err, ErrNotMember), errors.Is(err, timeline.ErrNotOwner):
		return "forbidden"
	case errors.Is(err, timeline.ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, timeline.ErrMessageDeleted), errors.Is(err, timeline.ErrNotEditable):
		return "conflict"
	case errors.Is(err, timeline.ErrEmptyMessage), errors.Is(err, timeline.ErrInvalidEmoji),
		errors.Is(err, timeline.ErrInvalidText), errors.Is(err, timeline.ErrTextTooLong),
		errors.Is(err, models.ErrInvalidConversation), errors.Is(err, store.ErrInvalidPath),
		errors.Is(err, notify.ErrInvalidNotificationID):
		return "invalid"
	case errors.Is(err, timeline.ErrMalformedAudio), errors.Is(err, timeline.ErrUnsupportedAudio),
		errors.Is(err, timeline.ErrAudioTooLarge):
		return "bad_audio"
	case errors.Is(err, ErrClosed), errors.Is(err, notify.ErrClosed), errors.Is(err, typing.ErrClosed):
		return "closed"
	default:
		return "unavailable"
	}
}
