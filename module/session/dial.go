package session

import (
	"context"

	"PPSync/service/signal"
	"PPSync/service/signal/httprelay"
	"PPSync/service/signal/natsrelay"
	"PPSync/service/storage"
	"PPSync/service/storage/memory"
	"PPSync/service/storage/mongostore"
	"PPSync/service/storage/pgstore"
	"PPSync/service/storage/redisstore"
	"PPSync/tools/errs"

	"go.uber.org/zap"
)

// openStore 按驱动打开本地缓存存储；命名空间按身份隔离
func openStore(ctx context.Context, conf StorageConfig, user string) (storage.Store, error) {
	switch conf.Driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverRedis:
		c := conf.Redis
		if c.Namespace == "" {
			c.Namespace = "ppsync:" + user
		}
		return redisstore.Open(ctx, c)
	case DriverMongo:
		c := conf.Mongo
		if c.Collection == "" {
			c.Collection = "kv_" + user
		}
		return mongostore.Open(ctx, c)
	case DriverPostgres:
		c := conf.Postgres
		if c.Namespace == "" {
			c.Namespace = user
		}
		return pgstore.Open(ctx, c)
	}
	return nil, errs.ErrInvalidArgument.WrapMsg("unknown storage driver", "driver", conf.Driver)
}

// dialRelay backendURL 是规范化后的账本地址
func dialRelay(conf Config, backendURL string, log *zap.Logger) (signal.Relay, error) {
	switch conf.Signal.Driver {
	case SignalHTTP:
		base := conf.Signal.BaseURL
		if base == "" {
			base = backendURL
		}
		return httprelay.New(base, conf.User, conf.Signal.Timeout), nil
	case SignalNATS:
		return natsrelay.Dial(conf.Signal.NATS, conf.User, log)
	}
	return nil, errs.ErrInvalidArgument.WrapMsg("unknown signal driver", "driver", conf.Signal.Driver)
}
