package controller

import (
	"context"

	"PPSync/module/chat/model"
	"PPSync/service/peer"

	"go.uber.org/zap"
)

// PeerPlaceholderIndex 对端未确认消息的占位事件下标
const PeerPlaceholderIndex int64 = -1

// HandleEnvelope 合并对端 P2P 消息。P2P 只是提示，与后端冲突时以后端为准。
func (c *Controller) HandleEnvelope(ctx context.Context, env peer.Envelope) {
	if env.ChatID != c.chat || env.UserID == c.deps.User || c.isClosed() {
		return
	}
	now := c.conf.Clock()
	switch env.Kind {
	case peer.KindTyping:
		c.mu.Lock()
		c.typers[env.UserID] = now.Add(c.conf.TypingTTL)
		c.mu.Unlock()
	case peer.KindStoppedTyping:
		c.mu.Lock()
		delete(c.typers, env.UserID)
		c.mu.Unlock()
	case peer.KindToggledReaction:
		c.overlay.SetReaction(env.MessageID, env.Reaction, env.UserID, env.Added)
	case peer.KindDeleted, peer.KindUndeleted:
		if m, ok := c.lookupMessage(env.MessageID); ok && m.Sender != env.UserID {
			c.log.Debug("[Controller] ignore delete from non-sender", zap.String("user", env.UserID))
			return
		}
		if env.Kind == peer.KindDeleted && c.removePeerEntry(env) {
			break
		}
		c.overlay.SetDeleted(env.MessageID, env.UserID, env.Kind == peer.KindDeleted)
	case peer.KindRemoved:
		c.removePeerEntry(env)
	case peer.KindSent:
		c.acceptPeerMessage(ctx, env)
	case peer.KindRead:
		c.mu.Lock()
		if cur, ok := c.peerReads[env.UserID]; !ok || env.MessageIndex > cur {
			c.peerReads[env.UserID] = env.MessageIndex
		}
		c.mu.Unlock()
	default:
		return
	}
	c.publish()
}

// removePeerEntry 对端撤回它尚未确认的消息
func (c *Controller) removePeerEntry(env peer.Envelope) bool {
	e, ok := c.deps.Pending.Get(c.chat, env.MessageID)
	if !ok || !e.FromPeer || e.Message().Sender != env.UserID {
		return false
	}
	c.deps.Pending.Remove(c.chat, env.MessageID)
	c.deps.Reads.Forget(c.chat, env.MessageID)
	return true
}

// acceptPeerMessage 对端的 "sent"：已确认或已知的 id 忽略，否则作为对端未确认消息插入
func (c *Controller) acceptPeerMessage(ctx context.Context, env peer.Envelope) {
	m := env.Message
	if _, ok := c.lookupMessage(m.MessageID); ok {
		return
	}
	if c.deps.Pending.Contains(c.chat, m.MessageID) {
		return
	}
	if c.confirmedInCache(ctx, m) {
		return
	}
	c.mu.Lock()
	delete(c.typers, env.UserID)
	c.mu.Unlock()
	cp := m.Clone()
	cp.Content.StripBlob()
	ev := model.EventWrapper{Event: cp, Index: PeerPlaceholderIndex, Timestamp: env.Timestamp}
	if _, err := c.deps.Pending.AddFromPeer(c.chat, ev); err != nil {
		c.log.Debug("[Controller] drop peer message", zap.Error(err))
	}
}

// confirmedInCache 列表外（比如翻到了历史）的消息也可能早已确认
func (c *Controller) confirmedInCache(ctx context.Context, m *model.Message) bool {
	idx, ok, err := c.deps.Cache.MessageEventIndex(ctx, c.chat, m.MessageIndex)
	if err != nil || !ok {
		return false
	}
	r := c.deps.Cache.ByIndexes(ctx, c.chat, []int64{idx})
	for _, ev := range r.Events {
		if cm, ok := ev.Message(); ok && cm.MessageID == m.MessageID {
			return true
		}
	}
	return false
}

func (c *Controller) expireTyping() {
	now := c.conf.Clock()
	c.mu.Lock()
	for u, exp := range c.typers {
		if !exp.After(now) {
			delete(c.typers, u)
		}
	}
	c.mu.Unlock()
}
