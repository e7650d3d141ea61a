package config

import (
	"PPSync/logger"
	"PPSync/module/session"
	"PPSync/service/ledger/api"
)

// AppConfig ppsync 和 ledgerd 共用一份配置文件，各取所需
type AppConfig struct {
	Log    logger.Config  `mapstructure:"log"`
	Client session.Config `mapstructure:"client"`
	Ledger api.Config     `mapstructure:"ledger"`
}
