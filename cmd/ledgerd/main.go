// ledgerd 参考账本服务：HTTP 接口、P2P 协商交换点和 websocket 变化推送
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"PPSync/global/config"
	"PPSync/logger"
	"PPSync/service/ledger"
	"PPSync/service/ledger/api"

	"github.com/golang/glog"
	"go.uber.org/zap"
)

func main() {
	confPath := flag.String("config", "", "yaml config file")
	seedChat := flag.String("chat", "", "create this chat on start")
	seedMembers := flag.String("members", "", "comma separated members of -chat, the first one creates it")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*confPath)
	if err != nil {
		glog.Exitf("[ledgerd] load config: %v", err)
	}
	glog.Infof("[ledgerd] config loaded from %q, addr=%s", *confPath, cfg.Ledger.Addr)
	log := logger.Init(cfg.Log)
	defer func() { _ = log.Sync() }()

	l := ledger.New(ledger.Config{Logger: log})
	if *seedChat != "" {
		members := strings.Split(*seedMembers, ",")
		if len(members) == 0 || members[0] == "" {
			glog.Exitf("[ledgerd] -chat needs -members")
		}
		if err := l.CreateChat(*seedChat, *seedChat, members[0], members[1:]...); err != nil {
			glog.Exitf("[ledgerd] seed chat: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := api.NewServer(l, cfg.Ledger, log).Run(ctx); err != nil {
		log.Error("[ledgerd] server stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("[ledgerd] bye")
}
