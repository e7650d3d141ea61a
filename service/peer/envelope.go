package peer

import (
	"encoding/json"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
)

// Kind 数据通道消息类型，沿用后端事件的命名
type Kind string

const (
	KindTyping          Kind = "remote_user_typing"
	KindStoppedTyping   Kind = "remote_user_stopped_typing"
	KindToggledReaction Kind = "remote_user_toggled_reaction"
	KindDeleted         Kind = "remote_user_deleted_message"
	KindUndeleted       Kind = "remote_user_undeleted_message"
	KindRemoved         Kind = "remote_user_removed_message"
	KindSent            Kind = "remote_user_sent_message"
	KindRead            Kind = "remote_user_read_message"
)

func (k Kind) Known() bool {
	switch k {
	case KindTyping, KindStoppedTyping, KindToggledReaction, KindDeleted,
		KindUndeleted, KindRemoved, KindSent, KindRead:
		return true
	}
	return false
}

// Envelope P2P 消息。UserID 是发送者；Sent 类携带临时 messageIndex 的完整消息。
type Envelope struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`

	MessageID    string         `json:"messageId,omitempty"`
	MessageIndex int64          `json:"messageIndex,omitempty"`
	Reaction     string         `json:"reaction,omitempty"`
	Added        bool           `json:"added,omitempty"`
	Message      *model.Message `json:"message,omitempty"`
}

func NewEnvelope(kind Kind, chatID, userID string, ts int64) Envelope {
	return Envelope{ID: ids.NewRequestID(), Kind: kind, ChatID: chatID, UserID: userID, Timestamp: ts}
}

func (e Envelope) validate() error {
	if !e.Kind.Known() {
		return errs.ErrProtocolMismatch.WrapMsg("unknown kind", "kind", string(e.Kind))
	}
	if e.ID == "" || e.ChatID == "" || e.UserID == "" {
		return errs.ErrProtocolMismatch.WrapMsg("missing ids", "kind", string(e.Kind))
	}
	switch e.Kind {
	case KindSent:
		if e.Message == nil || e.Message.MessageID == "" {
			return errs.ErrProtocolMismatch.WrapMsg("sent without message")
		}
		if e.Message.Sender != e.UserID {
			return errs.ErrProtocolMismatch.WrapMsg("sender mismatch", "sender", e.Message.Sender, "user", e.UserID)
		}
	case KindToggledReaction:
		if e.MessageID == "" || e.Reaction == "" {
			return errs.ErrProtocolMismatch.WrapMsg("reaction without target")
		}
	case KindDeleted, KindUndeleted, KindRemoved, KindRead:
		if e.MessageID == "" {
			return errs.ErrProtocolMismatch.WrapMsg("missing message id", "kind", string(e.Kind))
		}
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode 未知类型或字段不全都返回 ProtocolMismatch，调用方丢弃即可
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errs.ErrProtocolMismatch.WrapMsg("bad envelope", "err", err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
