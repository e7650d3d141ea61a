// ppsync 命令行客户端：打开一个会话，打印变化，标准输入的每一行作为消息发送。
//
//	/read    全部标为已读
//	/more    加载更早的消息
//	/retry   重发最近一条失败的消息
//	/quit    退出
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"PPSync/global/config"
	"PPSync/logger"
	"PPSync/module/chat/controller"
	"PPSync/module/chat/model"
	"PPSync/module/chat/unconfirmed"
	"PPSync/module/session"
	"PPSync/tools/safe"

	"github.com/golang/glog"
	"go.uber.org/zap"
)

func main() {
	confPath := flag.String("config", "", "yaml config file")
	user := flag.String("user", "", "identity, overrides client.user")
	chatID := flag.String("chat", "", "chat to open")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*confPath)
	if err != nil {
		glog.Exitf("[ppsync] load config: %v", err)
	}
	if *user != "" {
		cfg.Client.User = *user
	}
	if *chatID == "" {
		glog.Exitf("[ppsync] -chat is required")
	}
	glog.Infof("[ppsync] user=%s chat=%s storage=%s signal=%s", cfg.Client.User, *chatID, cfg.Client.Storage.Driver, cfg.Client.Signal.Driver)
	log := logger.Init(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Open(ctx, cfg.Client, log)
	if err != nil {
		log.Error("[ppsync] open session", zap.Error(err))
		return
	}
	defer s.Close()

	c, err := s.Chat(ctx, *chatID)
	if err != nil {
		log.Error("[ppsync] open chat", zap.String("chat", *chatID), zap.Error(err))
		return
	}
	p := &printer{seen: map[string]unconfirmed.State{}}
	p.render(c.Snapshot())
	unsub := c.Subscribe(p.render)
	defer unsub()

	safe.Go("ppsync-session", func() {
		if err := s.Run(ctx); err != nil {
			log.Warn("[ppsync] session stopped", zap.Error(err))
		}
		stop()
	})
	safe.Go("ppsync-stdin", func() {
		readInput(ctx, c, p)
		stop()
	})
	<-ctx.Done()
}

func readInput(ctx context.Context, c *controller.Controller, p *printer) {
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "":
			c.StopTyping()
		case line == "/quit":
			return
		case line == "/read":
			c.MarkAllRead()
		case line == "/more":
			if _, err := c.LoadPrevious(ctx); err != nil {
				fmt.Println("! load:", err)
			}
		case line == "/retry":
			if id := p.lastFailed(); id != "" {
				if err := c.Retry(ctx, id); err != nil {
					fmt.Println("! retry:", err)
				}
			}
		default:
			c.StartTyping()
			if _, err := c.Send(ctx, model.Content{Kind: model.ContentText, Text: line}, controller.SendOptions{}); err != nil {
				fmt.Println("! send failed, /retry to resend:", err)
			}
		}
	}
}

// printer 只打印新出现或状态变化的条目
type printer struct {
	mu     sync.Mutex
	seen   map[string]unconfirmed.State
	failed string
	typing string
}

func (p *printer) lastFailed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func (p *printer) render(s controller.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range s.Items {
		m := it.Message()
		if m == nil {
			continue
		}
		if prev, ok := p.seen[m.MessageID]; ok && prev == it.State {
			continue
		}
		p.seen[m.MessageID] = it.State
		tag := ""
		switch {
		case it.FromPeer:
			tag = " (p2p)"
		case it.State == unconfirmed.Failed:
			tag = " (failed)"
			p.failed = m.MessageID
		case it.State != unconfirmed.Confirmed:
			tag = " (" + it.State.String() + ")"
		}
		fmt.Printf("#%d %s: %s%s\n", m.MessageIndex, m.Sender, m.Content.Text, tag)
	}
	if typing := strings.Join(s.Typing, ","); typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Printf("… %s typing\n", typing)
		}
	}
}
