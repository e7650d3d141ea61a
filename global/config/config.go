// Package config 读取 yaml 配置并用 PPSYNC_ 前缀的环境变量覆盖
package config

import (
	"errors"
	"strings"

	"PPSync/tools/errs"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "PPSYNC"

// 环境变量覆盖的键，PPSYNC_CLIENT_USER 对应 client.user
var envKeys = []string{
	"log.level",
	"log.file",
	"client.user",
	"client.disable_p2p",
	"client.storage.driver",
	"client.storage.redis.addr",
	"client.storage.redis.password",
	"client.storage.mongo.uri",
	"client.storage.mongo.database",
	"client.storage.postgres.database_url",
	"client.backend.base_url",
	"client.signal.driver",
	"client.signal.nats.servers",
	"client.peer.ice_servers",
	"ledger.addr",
	"ledger.allowed_origins",
}

// Load path 为空时只用默认值和环境变量
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("bind env", "key", k, "err", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errs.ErrInvalidArgument.WrapMsg("read config", "path", path, "err", err)
			}
		}
	}

	return decode(v.AllSettings())
}

// decode 环境变量都是字符串，靠宽松解码和钩子转成时长、数字、列表
func decode(settings map[string]any) (*AppConfig, error) {
	var cfg AppConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("new decoder", "err", err)
	}
	if err := dec.Decode(settings); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("decode config", "err", err)
	}
	return &cfg, nil
}
