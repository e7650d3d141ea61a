// Package mongostore 以 MongoDB 集合实现 storage.Store。
// 一条文档一个键；提交时把缓冲写入作为一次有序 BulkWrite，副本集上包在多文档事务里。
package mongostore

import (
	"context"
	"time"

	"PPSync/service/storage"
	"PPSync/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri          string   `mapstructure:"uri"`
	Address      []string `mapstructure:"address"`
	Database     string   `mapstructure:"database"`
	Collection   string   `mapstructure:"collection"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	AuthSource   string   `mapstructure:"auth_source"`
	MaxPoolSize  int      `mapstructure:"max_pool_size"`
	MaxRetry     int      `mapstructure:"max_retry"`
	Transactions bool     `mapstructure:"transactions"` // 仅副本集/分片集群可开
}

func (c *Config) norm() error {
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.ErrInvalidArgument.WrapMsg("mongo uri or address is required")
	}
	if c.Database == "" {
		c.Database = "ppsync"
	}
	if c.Collection == "" {
		c.Collection = "kv"
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 20
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	return nil
}

// 将 Config 应用到 ClientOptions
func applyConfigToOptions(cfg *Config) *options.ClientOptions {
	var opts *options.ClientOptions
	if cfg.Uri != "" {
		opts = options.Client().ApplyURI(cfg.Uri)
	} else {
		opts = options.Client().SetHosts(cfg.Address)
	}
	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts
}

type doc struct {
	ID     string `bson:"_id"`
	Bucket string `bson:"bucket"`
	Chat   string `bson:"chat"`
	N      int64  `bson:"n"`
	V      []byte `bson:"v"`
}

func docID(bucket string, k storage.Key) string { return bucket + "|" + k.String() }

type Store struct {
	cli  *mongo.Client
	coll *mongo.Collection
	txn  bool
}

var _ storage.Store = (*Store)(nil)

// Open 连接（带重试退避），并确保 (bucket, chat, n) 索引
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.norm(); err != nil {
		return nil, err
	}
	opts := applyConfigToOptions(&cfg)
	var (
		cli *mongo.Client
		err error
	)
	backoff := 200 * time.Millisecond
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, errs.ErrStorageFault.WrapMsg("failed to connect to MongoDB", "uri", cfg.Uri, "err", err)
	}
	s := &Store{cli: cli, coll: cli.Database(cfg.Database).Collection(cfg.Collection), txn: cfg.Transactions}
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bucket", Value: 1}, {Key: "chat", Value: 1}, {Key: "n", Value: 1}},
	})
	if err != nil {
		_ = cli.Disconnect(ctx)
		return nil, errs.ErrStorageFault.WrapMsg("mongo create index", "err", err)
	}
	return s, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return cli, nil
}

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	tx := &mongoTx{s: s, ws: storage.NewWriteSet()}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.ws.Len() == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, tx.ws.Len())
	for _, op := range tx.ws.Ops() {
		id := docID(op.Bucket, op.Key)
		if op.Deleted() {
			models = append(models, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": id}))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(doc{ID: id, Bucket: op.Bucket, Chat: op.Key.Chat, N: op.Key.N, V: op.Value}).
			SetUpsert(true))
	}
	write := func(ctx context.Context) error {
		_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		return err
	}
	var err error
	if s.txn {
		err = s.cli.UseSession(ctx, func(sc mongo.SessionContext) error {
			_, err := sc.WithTransaction(sc, func(sc mongo.SessionContext) (interface{}, error) {
				return nil, write(sc)
			})
			return err
		})
	} else {
		err = write(ctx)
	}
	if err != nil {
		return errs.ErrStorageFault.WrapMsg("mongo bulk write", "err", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	return fn(&mongoTx{s: s})
}

func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return errs.ErrStorageFault.WrapMsg("mongo truncate", "err", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cli.Disconnect(ctx)
}

type mongoTx struct {
	s  *Store
	ws *storage.WriteSet
}

func (t *mongoTx) Get(ctx context.Context, bucket string, k storage.Key) ([]byte, bool, error) {
	if t.ws != nil {
		if v, found := t.ws.Lookup(bucket, k); found {
			return v, v != nil, nil
		}
	}
	var d doc
	err := t.s.coll.FindOne(ctx, bson.M{"_id": docID(bucket, k)}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageFault.WrapMsg("mongo find", "key", k.String(), "err", err)
	}
	return d.V, true, nil
}

func (t *mongoTx) Put(ctx context.Context, bucket string, k storage.Key, v []byte) error {
	if t.ws == nil {
		return errs.ErrStorageFault.WrapMsg("put in read-only transaction")
	}
	t.ws.Put(bucket, k, v)
	return nil
}

func (t *mongoTx) Delete(ctx context.Context, bucket string, k storage.Key) error {
	if t.ws == nil {
		return errs.ErrStorageFault.WrapMsg("delete in read-only transaction")
	}
	t.ws.Delete(bucket, k)
	return nil
}

func (t *mongoTx) Scan(ctx context.Context, bucket, chat string, from, to int64, desc bool, fn storage.ScanFunc) error {
	order := 1
	if desc {
		order = -1
	}
	cur, err := t.s.coll.Find(ctx,
		bson.M{"bucket": bucket, "chat": chat, "n": bson.M{"$gte": from, "$lte": to}},
		options.Find().SetSort(bson.D{{Key: "n", Value: order}}),
	)
	if err != nil {
		return errs.ErrStorageFault.WrapMsg("mongo scan", "err", err)
	}
	defer cur.Close(ctx)

	var base []storage.Entry
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return errs.ErrStorageFault.WrapMsg("mongo decode", "err", err)
		}
		base = append(base, storage.Entry{N: d.N, Value: d.V})
	}
	if err := cur.Err(); err != nil {
		return errs.ErrStorageFault.WrapMsg("mongo cursor", "err", err)
	}
	ws := t.ws
	if ws == nil {
		ws = storage.NewWriteSet()
	}
	ws.MergeScan(bucket, chat, from, to, desc, base, fn)
	return nil
}
