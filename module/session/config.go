package session

import (
	"time"

	"PPSync/module/chat/controller"
	"PPSync/service/backend/httpapi"
	"PPSync/service/peer"
	"PPSync/service/signal/natsrelay"
	"PPSync/service/storage/mongostore"
	"PPSync/service/storage/pgstore"
	"PPSync/service/storage/redisstore"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"

	SignalHTTP = "http"
	SignalNATS = "nats"
)

type StorageConfig struct {
	Driver   string            `mapstructure:"driver"` // memory | redis | mongo | postgres
	Redis    redisstore.Config `mapstructure:"redis"`
	Mongo    mongostore.Config `mapstructure:"mongo"`
	Postgres pgstore.Config    `mapstructure:"postgres"`
}

type SignalConfig struct {
	Driver  string           `mapstructure:"driver"`   // http（走账本的 rendezvous）| nats
	BaseURL string           `mapstructure:"base_url"` // 为空时用 backend.base_url
	Timeout time.Duration    `mapstructure:"timeout"`
	NATS    natsrelay.Config `mapstructure:"nats"`
}

type CacheConfig struct {
	PageSize   int `mapstructure:"page_size"`
	ScanFactor int `mapstructure:"scan_factor"`
}

type Config struct {
	User       string            `mapstructure:"user"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Backend    httpapi.Config    `mapstructure:"backend"`
	Signal     SignalConfig      `mapstructure:"signal"`
	Cache      CacheConfig       `mapstructure:"cache"`
	Chat       controller.Config `mapstructure:"chat"`
	Peer       peer.Config       `mapstructure:"peer"`
	DisableP2P bool              `mapstructure:"disable_p2p"`
	ReadFlush  time.Duration     `mapstructure:"read_flush"`  // 已读上报间隔
	WatchRetry time.Duration     `mapstructure:"watch_retry"` // 推送断开后重连间隔
}

func (c *Config) norm() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Signal.Driver == "" {
		c.Signal.Driver = SignalHTTP
	}
	if c.ReadFlush <= 0 {
		c.ReadFlush = 5 * time.Second
	}
	if c.WatchRetry <= 0 {
		c.WatchRetry = 3 * time.Second
	}
}
