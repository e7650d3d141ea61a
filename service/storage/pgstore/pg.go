// Package pgstore 以 Postgres 单表实现 storage.Store，Update 对应一个数据库事务。
package pgstore

import (
	"context"
	"errors"

	"PPSync/service/storage"
	"PPSync/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	Namespace   string `mapstructure:"namespace"`
}

const schema = `CREATE TABLE IF NOT EXISTS ppsync_kv (
	ns     TEXT   NOT NULL,
	bucket TEXT   NOT NULL,
	chat   TEXT   NOT NULL,
	n      BIGINT NOT NULL,
	v      BYTEA  NOT NULL,
	PRIMARY KEY (ns, bucket, chat, n)
)`

type Store struct {
	pool *pgxpool.Pool
	ns   string
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, c Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, c.DatabaseURL)
	if err != nil {
		return nil, errs.ErrStorageFault.WrapMsg("unable to connect to database", "err", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errs.ErrStorageFault.WrapMsg("create schema", "err", err)
	}
	ns := c.Namespace
	if ns == "" {
		ns = "ppsync"
	}
	return &Store{pool: pool, ns: ns}, nil
}

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{ns: s.ns, q: tx})
	})
	return wrapFault(err, "pg update")
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&pgTx{ns: s.ns, q: tx, readOnly: true})
	})
	return wrapFault(err, "pg view")
}

func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ppsync_kv WHERE ns = $1`, s.ns)
	return wrapFault(err, "pg truncate")
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// wrapFault 保留 fn 返回的业务 CodeError，其余归为存储故障
func wrapFault(err error, op string) error {
	if err == nil {
		return nil
	}
	var ce errs.CodeError
	if errors.As(err, &ce) {
		return err
	}
	return errs.ErrStorageFault.WrapMsg(op, "err", err)
}

type pgTx struct {
	ns       string
	q        pgx.Tx
	readOnly bool
}

func (t *pgTx) Get(ctx context.Context, bucket string, k storage.Key) ([]byte, bool, error) {
	var v []byte
	err := t.q.QueryRow(ctx,
		`SELECT v FROM ppsync_kv WHERE ns = $1 AND bucket = $2 AND chat = $3 AND n = $4`,
		t.ns, bucket, k.Chat, k.N).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *pgTx) Put(ctx context.Context, bucket string, k storage.Key, v []byte) error {
	if t.readOnly {
		return errs.ErrStorageFault.WrapMsg("put in read-only transaction")
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO ppsync_kv (ns, bucket, chat, n, v) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (ns, bucket, chat, n) DO UPDATE SET v = EXCLUDED.v`,
		t.ns, bucket, k.Chat, k.N, v)
	return err
}

func (t *pgTx) Delete(ctx context.Context, bucket string, k storage.Key) error {
	if t.readOnly {
		return errs.ErrStorageFault.WrapMsg("delete in read-only transaction")
	}
	_, err := t.q.Exec(ctx,
		`DELETE FROM ppsync_kv WHERE ns = $1 AND bucket = $2 AND chat = $3 AND n = $4`,
		t.ns, bucket, k.Chat, k.N)
	return err
}

func (t *pgTx) Scan(ctx context.Context, bucket, chat string, from, to int64, desc bool, fn storage.ScanFunc) error {
	sql := `SELECT n, v FROM ppsync_kv WHERE ns = $1 AND bucket = $2 AND chat = $3 AND n BETWEEN $4 AND $5 ORDER BY n`
	if desc {
		sql += ` DESC`
	}
	rows, err := t.q.Query(ctx, sql, t.ns, bucket, chat, from, to)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n int64
			v []byte
		)
		if err := rows.Scan(&n, &v); err != nil {
			return err
		}
		if !fn(n, v) {
			break
		}
	}
	return rows.Err()
}
