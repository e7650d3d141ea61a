// Package backend 定义权威事件源（后端账本）对同步核心暴露的接口。
// 一个 Backend 实例绑定一个已登录身份。
package backend

import (
	"context"

	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"
)

type SendRequest struct {
	ChatID    string              `json:"chatId"`
	MessageID string              `json:"messageId"`
	Content   model.Content       `json:"content"`
	RepliesTo *model.ReplyContext `json:"repliesTo,omitempty"`
	Forwarded bool                `json:"forwarded,omitempty"`
}

// SendResult 后端分配的最终位置
type SendResult struct {
	Index        int64 `json:"index"`
	MessageIndex int64 `json:"messageIndex"`
	Timestamp    int64 `json:"timestamp"`
}

// ChatSummary 轮询用的会话概要
type ChatSummary struct {
	ChatID             string           `json:"chatId"`
	Bounds             model.IndexRange `json:"bounds"`
	LatestEventIndex   int64            `json:"latestEventIndex"`
	LatestMessageIndex int64            `json:"latestMessageIndex"` // -1 表示还没有消息
	ReadRanges         []rangeset.Range `json:"readRanges"`
	// UpdatedEvents 自 updatesSince 之后被修改过的历史事件下标（表情、删除、编辑）
	UpdatedEvents []int64 `json:"updatedEvents"`
	Version       int64   `json:"version"`
}

type ReactionRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	Add       bool   `json:"add"`
}

type Backend interface {
	EventsWindow(ctx context.Context, chat string, bounds model.IndexRange, centerMessageIndex int64, pageSize int) ([]model.EventWrapper, error)
	EventsRange(ctx context.Context, chat string, bounds model.IndexRange, start int64, ascending bool, pageSize int) ([]model.EventWrapper, error)
	EventsByIndex(ctx context.Context, chat string, indexes []int64) ([]model.EventWrapper, error)
	SendMessage(ctx context.Context, req SendRequest) (SendResult, error)
	MarkRead(ctx context.Context, batches []model.ReadBatch) error
	ChatSummary(ctx context.Context, chat string, updatesSince int64) (ChatSummary, error)
	ToggleReaction(ctx context.Context, req ReactionRequest) error
	DeleteMessage(ctx context.Context, chat, messageID string) error
	UndeleteMessage(ctx context.Context, chat, messageID string) error
}
