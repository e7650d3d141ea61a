package ledger

import (
	"context"

	"PPSync/service/backend/wire"
)

// Watch 进程内的变化提醒，内容与 /v1/watch 推送一致；阻塞到 ctx 取消。
// fn 在发布方的 goroutine 上同步调用，不能阻塞。
func (cl *Client) Watch(ctx context.Context, fn func(wire.Nudge)) error {
	unsubChat := cl.l.Subscribe(func(u Update) {
		for _, m := range cl.l.Members(u.ChatID) {
			if m == cl.user {
				fn(wire.Nudge{Type: wire.NudgeChat, ChatID: u.ChatID, Version: u.Version})
				return
			}
		}
	})
	defer unsubChat()
	unsubSignal := cl.l.Rendezvous().OnDeliver(func(to string) {
		if to == cl.user {
			fn(wire.Nudge{Type: wire.NudgeSignal})
		}
	})
	defer unsubSignal()
	<-ctx.Done()
	return nil
}
