package controller

import (
	"context"

	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"
	"PPSync/module/chat/unconfirmed"
	"PPSync/service/backend"
	"PPSync/service/peer"
	"PPSync/tools/errs"
	"PPSync/tools/ids"

	"go.uber.org/zap"
)

type SendOptions struct {
	RepliesTo *model.ReplyContext
	Forwarded bool
}

// Send 乐观发送：立即出现在列表里并广播给对端，再调用后端。
// 失败时消息保留并带失败标记，返回的 messageId 可用于 Retry/Discard。
func (c *Controller) Send(ctx context.Context, content model.Content, opts SendOptions) (string, error) {
	if err := c.requireOpen(); err != nil {
		return "", err
	}
	id := ids.NewMessageID()
	latestEvent, latestMessage := c.latestIndexes()
	evIdx, msgIdx := c.deps.Pending.Reserve(c.chat, latestEvent, latestMessage)
	msg := &model.Message{
		MessageID:    id,
		MessageIndex: msgIdx,
		Sender:       c.deps.User,
		Content:      content,
		RepliesTo:    opts.RepliesTo,
		Forwarded:    opts.Forwarded,
	}
	ev := model.EventWrapper{Event: msg, Index: evIdx, Timestamp: c.conf.Clock().UnixMilli()}
	if _, err := c.deps.Pending.Add(c.chat, ev); err != nil {
		return "", err
	}
	c.broadcastSent(ev)
	return id, c.dispatch(ctx, id)
}

// Retry 失败的消息用同一个 messageId 重发
func (c *Controller) Retry(ctx context.Context, messageID string) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	e, ok := c.deps.Pending.Get(c.chat, messageID)
	if !ok {
		return errs.ErrNotFound.WrapMsg("no unconfirmed message", "messageId", messageID)
	}
	if e.State != unconfirmed.Failed || e.FromPeer {
		return errs.ErrInvalidArgument.WrapMsg("message is not a failed local send", "messageId", messageID, "state", e.State.String())
	}
	c.deps.Pending.MarkCreated(c.chat, messageID)
	c.broadcastSent(e.Event)
	return c.dispatch(ctx, messageID)
}

// Discard 撤回还没确认的本地消息
func (c *Controller) Discard(messageID string) error {
	e, ok := c.deps.Pending.Get(c.chat, messageID)
	if !ok || e.FromPeer {
		return errs.ErrNotFound.WrapMsg("no local unconfirmed message", "messageId", messageID)
	}
	c.deps.Pending.Remove(c.chat, messageID)
	c.deps.Reads.Forget(c.chat, messageID)
	env := c.envelope(peer.KindRemoved)
	env.MessageID = messageID
	c.broadcast(env)
	return nil
}

func (c *Controller) dispatch(ctx context.Context, messageID string) error {
	e, ok := c.deps.Pending.Get(c.chat, messageID)
	if !ok {
		return errs.ErrNotFound.WrapMsg("no unconfirmed message", "messageId", messageID)
	}
	m := e.Message()
	c.deps.Pending.MarkSent(c.chat, messageID)
	res, err := c.deps.Backend.SendMessage(ctx, backend.SendRequest{
		ChatID:    c.chat,
		MessageID: messageID,
		Content:   m.Content,
		RepliesTo: m.RepliesTo,
		Forwarded: m.Forwarded,
	})
	if err != nil {
		c.deps.Pending.MarkFailed(c.chat, messageID, err)
		c.log.Warn("[Controller] send failed", zap.String("messageId", messageID), zap.Error(err))
		return err
	}
	final := m.Clone()
	final.MessageIndex = res.MessageIndex
	final.Content.StripBlob()
	c.confirm(ctx, model.EventWrapper{Event: final, Index: res.Index, Timestamp: res.Timestamp})
	return nil
}

// confirm 后端确认：已读提升、放进列表、移出未确认存储、写缓存
func (c *Controller) confirm(ctx context.Context, ev model.EventWrapper) {
	m, _ := ev.Message()
	c.deps.Reads.ConfirmMessage(c.chat, m.MessageIndex, m.MessageID)
	c.mu.Lock()
	if !c.closed {
		c.put(ev)
		if c.loFrom <= c.loTo && ev.Index == c.loTo+1 {
			c.loTo = ev.Index
		}
	}
	c.mu.Unlock()
	c.retire([]model.EventWrapper{ev})
	c.storeEvents(ctx, []model.EventWrapper{ev})
	c.publish()
}

// ToggleReaction 本地立即生效，后端失败时撤销
func (c *Controller) ToggleReaction(ctx context.Context, messageID, reaction string) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if c.deps.Pending.Contains(c.chat, messageID) {
		return errs.ErrInvalidArgument.WrapMsg("message not confirmed yet", "messageId", messageID)
	}
	m, ok := c.lookupMessage(messageID)
	if !ok {
		return errs.ErrNotFound.WrapMsg("message not loaded", "messageId", messageID)
	}
	present := !c.overlay.Apply(m).HasReaction(reaction, c.deps.User)
	c.overlay.SetReaction(messageID, reaction, c.deps.User, present)
	c.publish()

	env := c.envelope(peer.KindToggledReaction)
	env.MessageID, env.Reaction, env.Added = messageID, reaction, present
	c.broadcast(env)

	err := c.deps.Backend.ToggleReaction(ctx, backend.ReactionRequest{ChatID: c.chat, MessageID: messageID, Reaction: reaction, Add: present})
	if err != nil {
		c.overlay.SetReaction(messageID, reaction, c.deps.User, !present)
		c.publish()
		return err
	}
	return nil
}

// Delete 删除自己的消息；未确认的直接撤回
func (c *Controller) Delete(ctx context.Context, messageID string) error {
	if c.deps.Pending.Contains(c.chat, messageID) {
		return c.Discard(messageID)
	}
	return c.setDeleted(ctx, messageID, true)
}

func (c *Controller) Undelete(ctx context.Context, messageID string) error {
	return c.setDeleted(ctx, messageID, false)
}

func (c *Controller) setDeleted(ctx context.Context, messageID string, deleted bool) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	m, ok := c.lookupMessage(messageID)
	if !ok {
		return errs.ErrNotFound.WrapMsg("message not loaded", "messageId", messageID)
	}
	if m.Sender != c.deps.User {
		return errs.ErrInvalidArgument.WrapMsg("only the sender can delete", "messageId", messageID)
	}
	c.overlay.SetDeleted(messageID, c.deps.User, deleted)
	c.publish()

	kind := peer.KindDeleted
	call := c.deps.Backend.DeleteMessage
	if !deleted {
		kind = peer.KindUndeleted
		call = c.deps.Backend.UndeleteMessage
	}
	env := c.envelope(kind)
	env.MessageID = messageID
	c.broadcast(env)

	if err := call(ctx, c.chat, messageID); err != nil {
		c.overlay.SetDeleted(messageID, c.deps.User, !deleted)
		c.publish()
		return err
	}
	return nil
}

// MarkRead 渲染到某条消息时调用；同时给对端发已读回执
func (c *Controller) MarkRead(messageIndex int64, messageID string) {
	c.deps.Reads.MarkMessageRead(c.chat, messageIndex, messageID)
	env := c.envelope(peer.KindRead)
	env.MessageID, env.MessageIndex = messageID, messageIndex
	c.broadcast(env)
}

// MarkAllRead 全部已读
func (c *Controller) MarkAllRead() {
	_, latest := c.latestIndexes()
	if latest < 0 {
		return
	}
	c.deps.Reads.MarkRangeRead(c.chat, rangeset.Range{From: 0, To: latest})
}

// StartTyping 按 TypingEvery 限速广播
func (c *Controller) StartTyping() {
	if !c.typing.Allow() {
		return
	}
	c.broadcast(c.envelope(peer.KindTyping))
}

func (c *Controller) StopTyping() {
	c.broadcast(c.envelope(peer.KindStoppedTyping))
}

func (c *Controller) envelope(kind peer.Kind) peer.Envelope {
	return peer.NewEnvelope(kind, c.chat, c.deps.User, c.conf.Clock().UnixMilli())
}

func (c *Controller) broadcastSent(ev model.EventWrapper) {
	env := c.envelope(peer.KindSent)
	m, _ := ev.Message()
	env.MessageID = m.MessageID
	env.MessageIndex = m.MessageIndex
	env.Message = m
	c.broadcast(env)
}

// broadcast 只发给本会话已知的其他成员
func (c *Controller) broadcast(env peer.Envelope) {
	if c.deps.Peers == nil {
		return
	}
	var targets []string
	for _, u := range c.Participants() {
		if u != c.deps.User {
			targets = append(targets, u)
		}
	}
	if len(targets) == 0 {
		return
	}
	c.deps.Peers.Broadcast(env, targets...)
}
