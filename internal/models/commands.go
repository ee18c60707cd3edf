package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Command is a decoded and validated client message.
type Command interface {
	CommandType() ClientMessageType
}

// SendCommand addresses either an existing room or, for a first contact,
// a target identity whose direct room is resolved on send.
type SendCommand struct {
	RoomID       string `json:"room_id,omitempty" validate:"required_without=TargetUserID"`
	TargetUserID string `json:"target_user_id,omitempty" validate:"required_without=RoomID"`
	Content      string `json:"content" validate:"required"`
	TempID       string `json:"temp_id,omitempty"`
}

type SeenCommand struct {
	RoomID     string  `json:"room_id" validate:"required"`
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1"`
}

type DeliveredCommand struct {
	RoomID     string  `json:"room_id" validate:"required"`
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1"`
}

type TypingCommand struct {
	RoomID string `json:"room_id" validate:"required"`
	Status string `json:"status" validate:"required,oneof=typing idle"`
}

type UpdateMessageCommand struct {
	MessageID int64  `json:"message_id" validate:"required"`
	RoomID    string `json:"room_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

type DeleteMessageCommand struct {
	MessageID int64  `json:"message_id" validate:"required"`
	RoomID    string `json:"room_id" validate:"required"`
}

type CallOfferCommand struct {
	TargetUserID string          `json:"target_user_id" validate:"required"`
	RoomID       string          `json:"room_id" validate:"required"`
	SDP          json.RawMessage `json:"sdp" validate:"required"`
	CallType     string          `json:"call_type,omitempty" validate:"omitempty,oneof=audio video"`
}

type CallAnswerCommand struct {
	TargetUserID string          `json:"target_user_id" validate:"required"`
	RoomID       string          `json:"room_id" validate:"required"`
	SDP          json.RawMessage `json:"sdp" validate:"required"`
}

type CallIceCandidateCommand struct {
	TargetUserID string          `json:"target_user_id" validate:"required"`
	RoomID       string          `json:"room_id" validate:"required"`
	Candidate    json.RawMessage `json:"candidate" validate:"required"`
}

type CallEndCommand struct {
	TargetUserID string `json:"target_user_id" validate:"required"`
	RoomID       string `json:"room_id" validate:"required"`
}

type CallDeclineCommand struct {
	TargetUserID string `json:"target_user_id" validate:"required"`
	RoomID       string `json:"room_id" validate:"required"`
	Reason       string `json:"reason,omitempty"`
}

func (SendCommand) CommandType() ClientMessageType          { return ClientMessageTypeMessage }
func (SeenCommand) CommandType() ClientMessageType          { return ClientMessageTypeSeen }
func (DeliveredCommand) CommandType() ClientMessageType     { return ClientMessageTypeDelivered }
func (TypingCommand) CommandType() ClientMessageType        { return ClientMessageTypeTyping }
func (UpdateMessageCommand) CommandType() ClientMessageType { return ClientMessageTypeUpdateMessage }
func (DeleteMessageCommand) CommandType() ClientMessageType { return ClientMessageTypeDeleteMessage }
func (CallOfferCommand) CommandType() ClientMessageType     { return ClientMessageTypeCallOffer }
func (CallAnswerCommand) CommandType() ClientMessageType    { return ClientMessageTypeCallAnswer }
func (CallIceCandidateCommand) CommandType() ClientMessageType {
	return ClientMessageTypeCallIceCandidate
}
func (CallEndCommand) CommandType() ClientMessageType     { return ClientMessageTypeCallEnd }
func (CallDeclineCommand) CommandType() ClientMessageType { return ClientMessageTypeCallDecline }

// DecodeError carries the client message type (if it could be read)
// alongside the reason the message was rejected.
type DecodeError struct {
	Type ClientMessageType
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Type ClientMessageType `json:"type"`
}

// DecodeCommand parses a raw client frame into a typed command.
// Any failure is reported as a *DecodeError wrapping ErrInvalid.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: malformed message", ErrInvalid)}
	}

	var cmd Command
	switch env.Type {
	case ClientMessageTypeMessage:
		cmd = &SendCommand{}
	case ClientMessageTypeSeen:
		cmd = &SeenCommand{}
	case ClientMessageTypeDelivered:
		cmd = &DeliveredCommand{}
	case ClientMessageTypeTyping:
		cmd = &TypingCommand{}
	case ClientMessageTypeUpdateMessage:
		cmd = &UpdateMessageCommand{}
	case ClientMessageTypeDeleteMessage:
		cmd = &DeleteMessageCommand{}
	case ClientMessageTypeCallOffer:
		cmd = &CallOfferCommand{}
	case ClientMessageTypeCallAnswer:
		cmd = &CallAnswerCommand{}
	case ClientMessageTypeCallIceCandidate:
		cmd = &CallIceCandidateCommand{}
	case ClientMessageTypeCallEnd:
		cmd = &CallEndCommand{}
	case ClientMessageTypeCallDecline:
		cmd = &CallDeclineCommand{}
	case "":
		return nil, &DecodeError{Err: fmt.Errorf("%w: type is required", ErrInvalid)}
	default:
		return nil, &DecodeError{
			Type: env.Type,
			Err:  fmt.Errorf("%w: unknown message type %q", ErrInvalid, env.Type),
		}
	}

	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: fmt.Errorf("%w: malformed payload", ErrInvalid)}
	}

	if err := validate.Struct(cmd); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: fmt.Errorf("%w: %s", ErrInvalid, describe(err))}
	}

	return cmd, nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_without":
		return "room_id or target_user_id is required"
	case "min":
		return fe.Field() + " must not be empty"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}
