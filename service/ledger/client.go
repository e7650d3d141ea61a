package ledger

import (
	"context"
	"sort"

	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"
	"PPSync/service/backend"
	"PPSync/tools/errs"

	"go.uber.org/zap"
)

// Client 账本在某个身份下的视图，实现 backend.Backend
type Client struct {
	l    *Ledger
	user string
}

var _ backend.Backend = (*Client)(nil)

func (cl *Client) User() string { return cl.user }

func clip(bounds model.IndexRange, c *chat) model.IndexRange {
	last := int64(len(c.events)) - 1
	if bounds.Max > last {
		bounds.Max = last
	}
	if bounds.Min < 0 {
		bounds.Min = 0
	}
	return bounds
}

// collect 从 start 沿一个方向收集，直到 budget 条消息或越界
func collect(c *chat, bounds model.IndexRange, start int64, asc bool, budget int) []model.EventWrapper {
	var out []model.EventWrapper
	step := int64(1)
	if !asc {
		step = -1
	}
	n := 0
	for i := start; i >= bounds.Min && i <= bounds.Max && n < budget; i += step {
		ev := c.events[i]
		out = append(out, ev.Clone())
		if ev.IsMessage() {
			n++
		}
	}
	return out
}

func (cl *Client) EventsWindow(ctx context.Context, chatID string, bounds model.IndexRange, centerMessageIndex int64, pageSize int) ([]model.EventWrapper, error) {
	cl.l.mu.Lock()
	defer cl.l.mu.Unlock()
	c, err := cl.l.memberChat(chatID, cl.user)
	if err != nil {
		return nil, err
	}
	bounds = clip(bounds, c)
	if bounds.Empty() {
		return nil, nil
	}
	center := bounds.Max
	if centerMessageIndex >= 0 && centerMessageIndex <= c.latestMessageIndex() {
		center = c.byMessageIndex[centerMessageIndex]
	}
	half := pageSize / 2
	if half <= 0 {
		half = 1
	}
	out := collect(c, bounds, center, true, half)
	out = append(out, collect(c, bounds, center-1, false, half)...)
	model.SortByIndex(out)
	return out, nil
}

func (cl *Client) EventsRange(ctx context.Context, chatID string, bounds model.IndexRange, start int64, ascending bool, pageSize int) ([]model.EventWrapper, error) {
	cl.l.mu.Lock()
	defer cl.l.mu.Unlock()
	c, err := cl.l.memberChat(chatID, cl.user)
	if err != nil {
		return nil, err
	}
	bounds = clip(bounds, c)
	if pageSize <= 0 {
		pageSize = 40
	}
	out := collect(c, bounds, start, ascending, pageSize)
	model.SortByIndex(out)
	return out, nil
}

func (cl *Client) EventsByIndex(ctx context.Context, chatID string, indexes []int64) ([]model.EventWrapper, error) {
	cl.l.mu.Lock()
	defer cl.l.mu.Unlock()
	c, err := cl.l.memberChat(chatID, cl.user)
	if err != nil {
		return nil, err
	}
	out := make([]model.EventWrapper, 0, len(indexes))
	for _, i := range indexes {
		if i >= 0 && i < int64(len(c.events)) {
			out = append(out, c.events[i].Clone())
		}
	}
	return model.Dedupe(out), nil
}

// SendMessage 同一 messageId 重复发送返回第一次分配的结果
func (cl *Client) SendMessage(ctx context.Context, req backend.SendRequest) (backend.SendResult, error) {
	if req.MessageID == "" {
		return backend.SendResult{}, errs.ErrInvalidArgument.WrapMsg("message id required")
	}
	cl.l.mu.Lock()
	c, err := cl.l.memberChat(req.ChatID, cl.user)
	if err != nil {
		cl.l.mu.Unlock()
		return backend.SendResult{}, err
	}
	if idx, ok := c.byMessageID[req.MessageID]; ok {
		ev := c.events[idx]
		m, _ := ev.Message()
		cl.l.mu.Unlock()
		return backend.SendResult{Index: ev.Index, MessageIndex: m.MessageIndex, Timestamp: ev.Timestamp}, nil
	}
	content := req.Content
	content.StripBlob()
	m := &model.Message{
		MessageID:    req.MessageID,
		MessageIndex: c.latestMessageIndex() + 1,
		Sender:       cl.user,
		Content:      content,
		RepliesTo:    req.RepliesTo,
		Forwarded:    req.Forwarded,
	}
	w := c.append(m, cl.l.now())
	c.byMessageID[m.MessageID] = w.Index
	c.byMessageIndex = append(c.byMessageIndex, w.Index)
	// 发送者自然读过自己的消息
	c.reads[cl.user] = rangeset.Insert(c.reads[cl.user], m.MessageIndex)
	v := c.version
	cl.l.mu.Unlock()

	cl.l.log.Debug("[Ledger] message appended", zap.String("chat", req.ChatID),
		zap.String("messageId", req.MessageID), zap.Int64("index", w.Index), zap.Int64("messageIndex", m.MessageIndex))
	cl.l.hub.Publish(Update{ChatID: req.ChatID, Version: v})
	return backend.SendResult{Index: w.Index, MessageIndex: m.MessageIndex, Timestamp: w.Timestamp}, nil
}

func (cl *Client) MarkRead(ctx context.Context, batches []model.ReadBatch) error {
	cl.l.mu.Lock()
	defer cl.l.mu.Unlock()
	for _, b := range batches {
		c, err := cl.l.memberChat(b.ChatID, cl.user)
		if err != nil {
			return err
		}
		c.reads[cl.user] = rangeset.Merge(c.reads[cl.user], b.Ranges)
	}
	return nil
}

func (cl *Client) ChatSummary(ctx context.Context, chatID string, updatesSince int64) (backend.ChatSummary, error) {
	cl.l.mu.Lock()
	defer cl.l.mu.Unlock()
	c, err := cl.l.memberChat(chatID, cl.user)
	if err != nil {
		return backend.ChatSummary{}, err
	}
	s := backend.ChatSummary{
		ChatID:             chatID,
		Bounds:             model.IndexRange{Min: 0, Max: int64(len(c.events)) - 1},
		LatestEventIndex:   int64(len(c.events)) - 1,
		LatestMessageIndex: c.latestMessageIndex(),
		ReadRanges:         append([]rangeset.Range(nil), c.reads[cl.user]...),
		Version:            c.version,
	}
	for idx, v := range c.updated {
		if v > updatesSince {
			s.UpdatedEvents = append(s.UpdatedEvents, idx)
		}
	}
	sort.Slice(s.UpdatedEvents, func(i, j int) bool { return s.UpdatedEvents[i] < s.UpdatedEvents[j] })
	return s, nil
}

func (cl *Client) message(c *chat, messageID string) (*model.Message, int64, error) {
	idx, ok := c.byMessageID[messageID]
	if !ok {
		return nil, 0, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	m, _ := c.events[idx].Message()
	return m, idx, nil
}

func (cl *Client) ToggleReaction(ctx context.Context, req backend.ReactionRequest) error {
	cl.l.mu.Lock()
	c, err := cl.l.memberChat(req.ChatID, cl.user)
	if err != nil {
		cl.l.mu.Unlock()
		return err
	}
	m, idx, err := cl.message(c, req.MessageID)
	if err != nil {
		cl.l.mu.Unlock()
		return err
	}
	if !m.SetReaction(req.Reaction, cl.user, req.Add) {
		cl.l.mu.Unlock()
		return nil
	}
	target := model.MessageTarget{MessageID: req.MessageID, EventIndex: idx, UserID: cl.user}
	var ev model.Event = &model.ReactionRemoved{MessageTarget: target, Reaction: req.Reaction}
	if req.Add {
		ev = &model.ReactionAdded{MessageTarget: target, Reaction: req.Reaction}
	}
	c.touch(idx)
	c.append(ev, cl.l.now())
	v := c.version
	cl.l.mu.Unlock()
	cl.l.hub.Publish(Update{ChatID: req.ChatID, Version: v})
	return nil
}

func (cl *Client) setDeleted(chatID, messageID string, deleted bool) error {
	cl.l.mu.Lock()
	c, err := cl.l.memberChat(chatID, cl.user)
	if err != nil {
		cl.l.mu.Unlock()
		return err
	}
	m, idx, err := cl.message(c, messageID)
	if err != nil {
		cl.l.mu.Unlock()
		return err
	}
	if m.Sender != cl.user {
		cl.l.mu.Unlock()
		return errs.ErrInvalidArgument.WrapMsg("only the sender can delete", "messageId", messageID)
	}
	if (m.Deleted != nil) == deleted {
		cl.l.mu.Unlock()
		return nil
	}
	ts := cl.l.now()
	target := model.MessageTarget{MessageID: messageID, EventIndex: idx, UserID: cl.user}
	var ev model.Event = &model.MessageUndeleted{MessageTarget: target}
	if deleted {
		m.Deleted = &model.Deletion{By: cl.user, Timestamp: ts}
		ev = &model.MessageDeleted{MessageTarget: target}
	} else {
		m.Deleted = nil
	}
	c.touch(idx)
	c.append(ev, ts)
	v := c.version
	cl.l.mu.Unlock()
	cl.l.hub.Publish(Update{ChatID: chatID, Version: v})
	return nil
}

func (cl *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return cl.setDeleted(chatID, messageID, true)
}

func (cl *Client) UndeleteMessage(ctx context.Context, chatID, messageID string) error {
	return cl.setDeleted(chatID, messageID, false)
}
