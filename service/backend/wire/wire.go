// Package wire 账本 HTTP 接口的请求/响应体，客户端与服务端共用
package wire

import (
	"PPSync/module/chat/model"
	"PPSync/service/signal"
)

type WindowReq struct {
	Bounds   model.IndexRange `json:"bounds"`
	Center   int64            `json:"center"`
	PageSize int              `json:"pageSize"`
}

type RangeReq struct {
	Bounds    model.IndexRange `json:"bounds"`
	Start     int64            `json:"start"`
	Ascending bool             `json:"ascending"`
	PageSize  int              `json:"pageSize"`
}

type IndexesReq struct {
	Indexes []int64 `json:"indexes"`
}

type EventsResp struct {
	Events []model.EventWrapper `json:"events"`
}

type ReadReq struct {
	Batches []model.ReadBatch `json:"batches"`
}

type CreateChatReq struct {
	ChatID  string   `json:"chatId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type MembersResp struct {
	Members []string `json:"members"`
}

type PollResp struct {
	Details signal.Details `json:"details"`
	Cursor  int64          `json:"cursor"`
}

// Nudge websocket 推送：会话有变化或有新的协商载荷，客户端收到后立刻拉取
type Nudge struct {
	Type    string `json:"type"` // chat | signal
	ChatID  string `json:"chatId,omitempty"`
	Version int64  `json:"version,omitempty"`
}

const (
	NudgeChat   = "chat"
	NudgeSignal = "signal"
)
