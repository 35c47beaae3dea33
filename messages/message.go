package messages

import (
	"errors"
	"fmt"
)

const (
	CurrentProtocolVersion = 1

	MsgTypeUnknown   MsgType = 0
	MsgTypeHandshake MsgType = 1
	MsgTypeData      MsgType = 2
	MsgTypeHeartbeat MsgType = 3

	SizeOfVersionByte = 1
	SizeOfMsgType     = 1

	SizeOfProtoHeader = SizeOfVersionByte + SizeOfMsgType

	// MaxMessageSize is the largest encoded message a transport accepts, header included.
	MaxMessageSize = 16 << 20
)

var (
	ErrInvalidMessageLength = errors.New("invalid message length")
	ErrUnsupportedVersion   = errors.New("unsupported version")
	ErrUnknownType          = errors.New("unknown message type")

	heartbeatMsg = []byte{byte(CurrentProtocolVersion), byte(MsgTypeHeartbeat)}
)

type MsgType byte

func (m MsgType) String() string {
	switch m {
	case MsgTypeHandshake:
		return "handshake"
	case MsgTypeData:
		return "data"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Frame is the unit exchanged over an established peer connection. Heartbeat frames carry no payload.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// Data wraps an application payload into a data frame
func Data(payload []byte) Frame {
	return Frame{Type: MsgTypeData, Payload: payload}
}

// Heartbeat returns a heartbeat frame
func Heartbeat() Frame {
	return Frame{Type: MsgTypeHeartbeat}
}

// IsData reports whether the frame carries application data
func (f Frame) IsData() bool {
	return f.Type == MsgTypeData
}

func (f Frame) String() string {
	return fmt.Sprintf("%s frame (%d bytes)", f.Type, len(f.Payload))
}

// ValidateVersion checks if the given version is supported by the protocol
func ValidateVersion(msg []byte) (int, error) {
	if len(msg) < SizeOfVersionByte {
		return 0, ErrInvalidMessageLength
	}
	version := int(msg[0])
	if version != CurrentProtocolVersion {
		return 0, fmt.Errorf("%d: %w", version, ErrUnsupportedVersion)
	}
	return version, nil
}

// DetermineMessageType determines the message type from the header of the message
func DetermineMessageType(msg []byte) (MsgType, error) {
	if len(msg) < SizeOfProtoHeader {
		return MsgTypeUnknown, ErrInvalidMessageLength
	}

	if _, err := ValidateVersion(msg); err != nil {
		return MsgTypeUnknown, err
	}

	msgType := MsgType(msg[SizeOfVersionByte])
	switch msgType {
	case
		MsgTypeHandshake,
		MsgTypeData,
		MsgTypeHeartbeat:
		return msgType, nil
	default:
		return MsgTypeUnknown, fmt.Errorf("%w: %d", ErrUnknownType, msgType)
	}
}

// MarshalFrame encodes a frame into a single message.
// The heartbeat frame is a constant two byte message, so the returned slice must not be modified.
func MarshalFrame(f Frame) ([]byte, error) {
	switch f.Type {
	case MsgTypeHeartbeat:
		return heartbeatMsg, nil
	case MsgTypeData, MsgTypeHandshake:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}

	if SizeOfProtoHeader+len(f.Payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageLength, SizeOfProtoHeader+len(f.Payload))
	}

	msg := make([]byte, SizeOfProtoHeader, SizeOfProtoHeader+len(f.Payload))
	msg[0] = byte(CurrentProtocolVersion)
	msg[1] = byte(f.Type)
	msg = append(msg, f.Payload...)
	return msg, nil
}

// UnmarshalFrame decodes a message into a frame. The payload shares the memory of msg.
func UnmarshalFrame(msg []byte) (Frame, error) {
	msgType, err := DetermineMessageType(msg)
	if err != nil {
		return Frame{}, err
	}

	if msgType == MsgTypeHeartbeat {
		if len(msg) != SizeOfProtoHeader {
			return Frame{}, fmt.Errorf("heartbeat with payload: %w", ErrInvalidMessageLength)
		}
		return Heartbeat(), nil
	}

	return Frame{Type: msgType, Payload: msg[SizeOfProtoHeader:]}, nil
}
