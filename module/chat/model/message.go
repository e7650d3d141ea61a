package model

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentFile  ContentKind = "file"
)

// BlobReference 持久化后可稳定引用的附件位置
type BlobReference struct {
	BlobID string `json:"blobId"`
	Host   string `json:"host"`
}

func (b *BlobReference) URL() string {
	if b == nil || b.BlobID == "" {
		return ""
	}
	return "https://" + b.Host + "/blobs/" + b.BlobID
}

type Content struct {
	Kind     ContentKind    `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Caption  string         `json:"caption,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Name     string         `json:"name,omitempty"`
	Blob     *BlobReference `json:"blob,omitempty"`
	BlobURL  string         `json:"blobUrl,omitempty"`

	// BlobData 只存在于内存（刚选中的本地文件），落缓存前必须剥离
	BlobData []byte `json:"-"`
}

// StripBlob 去掉内存中的附件数据，换成稳定引用
func (c *Content) StripBlob() {
	c.BlobData = nil
	if c.Blob != nil && c.BlobURL == "" {
		c.BlobURL = c.Blob.URL()
	}
}

type ReplyContext struct {
	ChatID     string `json:"chatId,omitempty"` // 为空表示同一会话
	EventIndex int64  `json:"eventIndex"`
	MessageID  string `json:"messageId"`
}

type Reaction struct {
	Reaction string   `json:"reaction"`
	UserIDs  []string `json:"userIds"`
}

type Deletion struct {
	By        string `json:"by"`
	Timestamp int64  `json:"timestamp"`
}

type Message struct {
	MessageID    string        `json:"messageId"`
	MessageIndex int64         `json:"messageIndex"`
	Sender       string        `json:"sender"`
	Content      Content       `json:"content"`
	RepliesTo    *ReplyContext `json:"repliesTo,omitempty"`
	Reactions    []Reaction    `json:"reactions,omitempty"`
	Edited       bool          `json:"edited,omitempty"`
	Forwarded    bool          `json:"forwarded,omitempty"`
	Deleted      *Deletion     `json:"deleted,omitempty"`
}

// Clone 深拷贝，叠加本地更新前使用，避免改到缓存/列表里的共享对象
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.RepliesTo != nil {
		r := *m.RepliesTo
		cp.RepliesTo = &r
	}
	if m.Deleted != nil {
		d := *m.Deleted
		cp.Deleted = &d
	}
	if m.Content.Blob != nil {
		b := *m.Content.Blob
		cp.Content.Blob = &b
	}
	if len(m.Reactions) > 0 {
		cp.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			cp.Reactions[i] = Reaction{Reaction: r.Reaction, UserIDs: append([]string(nil), r.UserIDs...)}
		}
	}
	return &cp
}

// HasReaction userID 是否已经点过 reaction
func (m *Message) HasReaction(reaction, userID string) bool {
	for _, r := range m.Reactions {
		if r.Reaction != reaction {
			continue
		}
		for _, u := range r.UserIDs {
			if u == userID {
				return true
			}
		}
	}
	return false
}

// SetReaction 幂等地设置/取消某个用户的 reaction，返回是否有变化
func (m *Message) SetReaction(reaction, userID string, present bool) bool {
	if m.HasReaction(reaction, userID) == present {
		return false
	}
	if present {
		for i := range m.Reactions {
			if m.Reactions[i].Reaction == reaction {
				m.Reactions[i].UserIDs = append(m.Reactions[i].UserIDs, userID)
				return true
			}
		}
		m.Reactions = append(m.Reactions, Reaction{Reaction: reaction, UserIDs: []string{userID}})
		return true
	}
	out := make([]Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		if r.Reaction == reaction {
			users := make([]string, 0, len(r.UserIDs))
			for _, u := range r.UserIDs {
				if u != userID {
					users = append(users, u)
				}
			}
			if len(users) == 0 {
				continue
			}
			r.UserIDs = users
		}
		out = append(out, r)
	}
	m.Reactions = out
	return true
}
