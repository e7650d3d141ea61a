package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventWrapper 事件 + 它在会话日志中的规范位置
type EventWrapper struct {
	Event     Event
	Index     int64
	Timestamp int64
}

type wireWrapper struct {
	Index     int64           `json:"index"`
	Timestamp int64           `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Event     json.RawMessage `json:"event"`
}

func (w EventWrapper) MarshalJSON() ([]byte, error) {
	if w.Event == nil {
		return nil, fmt.Errorf("event wrapper %d has no event", w.Index)
	}
	raw, err := json.Marshal(w.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireWrapper{Index: w.Index, Timestamp: w.Timestamp, Kind: w.Event.Kind(), Event: raw})
}

func (w *EventWrapper) UnmarshalJSON(data []byte) error {
	var wire wireWrapper
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ev := newEvent(wire.Kind)
	if ev == nil {
		return &UnknownKindError{Kind: wire.Kind}
	}
	if len(wire.Event) > 0 {
		if err := json.Unmarshal(wire.Event, ev); err != nil {
			return err
		}
	}
	w.Event = ev
	w.Index = wire.Index
	w.Timestamp = wire.Timestamp
	return nil
}

type UnknownKindError struct {
	Kind EventKind
}

func (e *UnknownKindError) Error() string { return "unknown event kind: " + string(e.Kind) }

// Message 事件是消息时返回它
func (w EventWrapper) Message() (*Message, bool) {
	m, ok := w.Event.(*Message)
	return m, ok
}

func (w EventWrapper) IsMessage() bool {
	_, ok := w.Event.(*Message)
	return ok
}

// Clone 消息事件深拷贝，其他事件创建后不可变，直接共享
func (w EventWrapper) Clone() EventWrapper {
	if m, ok := w.Event.(*Message); ok {
		w.Event = m.Clone()
	}
	return w
}

// SortByIndex 按 Index 升序（稳定）
func SortByIndex(events []EventWrapper) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Index < events[j].Index })
}

// Dedupe 按 Index 去重，同 Index 后出现的覆盖先出现的；结果升序
func Dedupe(events []EventWrapper) []EventWrapper {
	if len(events) == 0 {
		return events
	}
	byIndex := make(map[int64]int, len(events))
	out := make([]EventWrapper, 0, len(events))
	for _, e := range events {
		if i, ok := byIndex[e.Index]; ok {
			out[i] = e
			continue
		}
		byIndex[e.Index] = len(out)
		out = append(out, e)
	}
	SortByIndex(out)
	return out
}
