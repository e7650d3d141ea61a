// Package overlay 保存还没体现在后端数据里的本地/对端乐观更新（表情、删除）。
// 每条更新是幂等的置位/清位，到期后丢弃，之后以后端数据为准。
package overlay

import (
	"sync"
	"time"

	"PPSync/module/chat/model"
)

type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type reactionKey struct {
	reaction string
	user     string
}

type reactionUpdate struct {
	present bool
	at      time.Time
}

type deletionUpdate struct {
	deleted bool
	by      string
	at      time.Time
}

type Overlay struct {
	conf      Config
	mu        sync.Mutex
	reactions map[string]map[reactionKey]reactionUpdate // messageId -> ...
	deletions map[string]deletionUpdate
}

func New(conf Config) *Overlay {
	conf.norm()
	return &Overlay{
		conf:      conf,
		reactions: make(map[string]map[reactionKey]reactionUpdate),
		deletions: make(map[string]deletionUpdate),
	}
}

func (o *Overlay) SetReaction(messageID, reaction, user string, present bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.reactions[messageID]
	if m == nil {
		m = make(map[reactionKey]reactionUpdate)
		o.reactions[messageID] = m
	}
	m[reactionKey{reaction, user}] = reactionUpdate{present: present, at: o.conf.Clock()}
}

func (o *Overlay) SetDeleted(messageID, by string, deleted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletions[messageID] = deletionUpdate{deleted: deleted, by: by, at: o.conf.Clock()}
}

func (o *Overlay) expired(at, now time.Time) bool { return now.Sub(at) > o.conf.TTL }

// Apply 返回叠加了未过期更新的副本；没有相关更新时原样返回 m
func (o *Overlay) Apply(m *model.Message) *model.Message {
	if m == nil {
		return nil
	}
	now := o.conf.Clock()
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, hasR := o.reactions[m.MessageID]
	d, hasD := o.deletions[m.MessageID]
	if !hasR && !hasD {
		return m
	}
	out := m
	cloned := false
	mutable := func() *model.Message {
		if !cloned {
			out = m.Clone()
			cloned = true
		}
		return out
	}
	for k, u := range rs {
		if o.expired(u.at, now) {
			continue
		}
		if m.HasReaction(k.reaction, k.user) != u.present {
			mutable().SetReaction(k.reaction, k.user, u.present)
		}
	}
	if hasD && !o.expired(d.at, now) {
		switch {
		case d.deleted && m.Deleted == nil:
			mutable().Deleted = &model.Deletion{By: d.by, Timestamp: d.at.UnixMilli()}
		case !d.deleted && m.Deleted != nil:
			mutable().Deleted = nil
		}
	}
	return out
}

// Settle 后端副本已经体现的更新直接移除
func (o *Overlay) Settle(m *model.Message) {
	if m == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if rs, ok := o.reactions[m.MessageID]; ok {
		for k, u := range rs {
			if m.HasReaction(k.reaction, k.user) == u.present {
				delete(rs, k)
			}
		}
		if len(rs) == 0 {
			delete(o.reactions, m.MessageID)
		}
	}
	if d, ok := o.deletions[m.MessageID]; ok && d.deleted == (m.Deleted != nil) {
		delete(o.deletions, m.MessageID)
	}
}

// Prune 丢弃过期更新，返回丢弃条数
func (o *Overlay) Prune() int {
	now := o.conf.Clock()
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, rs := range o.reactions {
		for k, u := range rs {
			if o.expired(u.at, now) {
				delete(rs, k)
				n++
			}
		}
		if len(rs) == 0 {
			delete(o.reactions, id)
		}
	}
	for id, d := range o.deletions {
		if o.expired(d.at, now) {
			delete(o.deletions, id)
			n++
		}
	}
	return n
}

func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.deletions)
	for _, rs := range o.reactions {
		n += len(rs)
	}
	return n
}
