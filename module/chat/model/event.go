package model

import (
	"fmt"

	"PPSync/module/chat/rangeset"
)

// EventKind 与后端事件类型词汇保持一致
type EventKind string

const (
	KindMessage           EventKind = "message"
	KindReactionAdded     EventKind = "reaction_added"
	KindReactionRemoved   EventKind = "reaction_removed"
	KindMessageDeleted    EventKind = "message_deleted"
	KindMessageUndeleted  EventKind = "message_undeleted"
	KindMessageEdited     EventKind = "message_edited"
	KindParticipantJoined EventKind = "participant_joined"
	KindParticipantLeft   EventKind = "participant_left"
	KindChatCreated       EventKind = "chat_created"
)

// Event is a conversation event. The set of implementations is closed:
// only this package can add one, and every Visitor must handle all of them.
type Event interface {
	Kind() EventKind
	Accept(v Visitor)
	isEvent()
}

// Visitor dispatches on the concrete event kind. A type that implements
// Visitor handles every kind, so adding a kind breaks the build of each
// visitor until it is handled.
type Visitor interface {
	VisitMessage(*Message)
	VisitReactionAdded(*ReactionAdded)
	VisitReactionRemoved(*ReactionRemoved)
	VisitMessageDeleted(*MessageDeleted)
	VisitMessageUndeleted(*MessageUndeleted)
	VisitMessageEdited(*MessageEdited)
	VisitParticipantJoined(*ParticipantJoined)
	VisitParticipantLeft(*ParticipantLeft)
	VisitChatCreated(*ChatCreated)
}

// MessageTarget 指向某条消息的事件（表情、删除、编辑）
type MessageTarget struct {
	MessageID  string `json:"messageId"`
	EventIndex int64  `json:"eventIndex"`
	UserID     string `json:"userId"`
}

type ReactionAdded struct {
	MessageTarget
	Reaction string `json:"reaction"`
}

type ReactionRemoved struct {
	MessageTarget
	Reaction string `json:"reaction"`
}

type MessageDeleted struct {
	MessageTarget
}

type MessageUndeleted struct {
	MessageTarget
}

type MessageEdited struct {
	MessageTarget
	NewText string `json:"newText"`
}

type ParticipantJoined struct {
	UserID string `json:"userId"`
}

type ParticipantLeft struct {
	UserID string `json:"userId"`
}

type ChatCreated struct {
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
}

func (*Message) Kind() EventKind           { return KindMessage }
func (*ReactionAdded) Kind() EventKind     { return KindReactionAdded }
func (*ReactionRemoved) Kind() EventKind   { return KindReactionRemoved }
func (*MessageDeleted) Kind() EventKind    { return KindMessageDeleted }
func (*MessageUndeleted) Kind() EventKind  { return KindMessageUndeleted }
func (*MessageEdited) Kind() EventKind     { return KindMessageEdited }
func (*ParticipantJoined) Kind() EventKind { return KindParticipantJoined }
func (*ParticipantLeft) Kind() EventKind   { return KindParticipantLeft }
func (*ChatCreated) Kind() EventKind       { return KindChatCreated }

func (e *Message) Accept(v Visitor)           { v.VisitMessage(e) }
func (e *ReactionAdded) Accept(v Visitor)     { v.VisitReactionAdded(e) }
func (e *ReactionRemoved) Accept(v Visitor)   { v.VisitReactionRemoved(e) }
func (e *MessageDeleted) Accept(v Visitor)    { v.VisitMessageDeleted(e) }
func (e *MessageUndeleted) Accept(v Visitor)  { v.VisitMessageUndeleted(e) }
func (e *MessageEdited) Accept(v Visitor)     { v.VisitMessageEdited(e) }
func (e *ParticipantJoined) Accept(v Visitor) { v.VisitParticipantJoined(e) }
func (e *ParticipantLeft) Accept(v Visitor)   { v.VisitParticipantLeft(e) }
func (e *ChatCreated) Accept(v Visitor)       { v.VisitChatCreated(e) }

func (*Message) isEvent()           {}
func (*ReactionAdded) isEvent()     {}
func (*ReactionRemoved) isEvent()   {}
func (*MessageDeleted) isEvent()    {}
func (*MessageUndeleted) isEvent()  {}
func (*MessageEdited) isEvent()     {}
func (*ParticipantJoined) isEvent() {}
func (*ParticipantLeft) isEvent()   {}
func (*ChatCreated) isEvent()       {}

// newEvent 按 kind 构造空事件，未知 kind 返回 nil
func newEvent(kind EventKind) Event {
	switch kind {
	case KindMessage:
		return &Message{}
	case KindReactionAdded:
		return &ReactionAdded{}
	case KindReactionRemoved:
		return &ReactionRemoved{}
	case KindMessageDeleted:
		return &MessageDeleted{}
	case KindMessageUndeleted:
		return &MessageUndeleted{}
	case KindMessageEdited:
		return &MessageEdited{}
	case KindParticipantJoined:
		return &ParticipantJoined{}
	case KindParticipantLeft:
		return &ParticipantLeft{}
	case KindChatCreated:
		return &ChatCreated{}
	}
	return nil
}

// IndexRange 会话事件日志的有效边界 [Min, Max]
type IndexRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (r IndexRange) Contains(i int64) bool { return i >= r.Min && i <= r.Max }

func (r IndexRange) Empty() bool { return r.Max < r.Min }

// Visit 分发到具体事件类型；出现包外实现说明不变量被破坏
func Visit(e Event, v Visitor) {
	switch ev := e.(type) {
	case *Message:
		v.VisitMessage(ev)
	case *ReactionAdded:
		v.VisitReactionAdded(ev)
	case *ReactionRemoved:
		v.VisitReactionRemoved(ev)
	case *MessageDeleted:
		v.VisitMessageDeleted(ev)
	case *MessageUndeleted:
		v.VisitMessageUndeleted(ev)
	case *MessageEdited:
		v.VisitMessageEdited(ev)
	case *ParticipantJoined:
		v.VisitParticipantJoined(ev)
	case *ParticipantLeft:
		v.VisitParticipantLeft(ev)
	case *ChatCreated:
		v.VisitChatCreated(ev)
	default:
		panic(fmt.Sprintf("model: unhandled event type %T", e))
	}
}

// ReadBatch 一个会话待上报的已读消息区间
type ReadBatch struct {
	ChatID string           `json:"chatId"`
	Ranges []rangeset.Range `json:"ranges"`
}
