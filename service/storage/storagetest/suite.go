// Package storagetest 各 storage.Store 实现共用的行为测试
package storagetest

import (
	"context"
	"errors"
	"testing"

	"PPSync/service/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s storage.Store, bucket, chat string, from, to int64, desc bool) []int64 {
	t.Helper()
	var got []int64
	require.NoError(t, s.View(context.Background(), func(tx storage.Tx) error {
		return tx.Scan(context.Background(), bucket, chat, from, to, desc, func(n int64, _ []byte) bool {
			got = append(got, n)
			return true
		})
	}))
	return got
}

// Run 对 newStore 返回的空存储跑一遍通用用例
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("PutGetScan", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
			for _, n := range []int64{5, 1, 3, 9} {
				if err := tx.Put(ctx, "events", storage.Key{Chat: "c1", N: n}, []byte{byte(n)}); err != nil {
					return err
				}
			}
			return tx.Put(ctx, "events", storage.Key{Chat: "c2", N: 2}, []byte("other"))
		}))

		assert.Equal(t, []int64{1, 3, 5, 9}, collect(t, s, "events", "c1", 0, 100, false))
		assert.Equal(t, []int64{5, 3}, collect(t, s, "events", "c1", 2, 6, true))
		assert.Empty(t, collect(t, s, "message_index", "c1", 0, 100, false))

		require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
			v, ok, err := tx.Get(ctx, "events", storage.Key{Chat: "c1", N: 9})
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte{9}, v)
			_, ok, err = tx.Get(ctx, "events", storage.Key{Chat: "c1", N: 2})
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})

	t.Run("ScanStopsEarly", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
			for n := int64(0); n < 10; n++ {
				if err := tx.Put(ctx, "events", storage.Key{Chat: "c", N: n}, []byte("x")); err != nil {
					return err
				}
			}
			return nil
		}))
		var got []int64
		require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
			return tx.Scan(ctx, "events", "c", 0, 9, true, func(n int64, _ []byte) bool {
				got = append(got, n)
				return len(got) < 3
			})
		}))
		assert.Equal(t, []int64{9, 8, 7}, got)
	})

	t.Run("ReadYourWritesAndRollback", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx storage.Tx) error {
			require.NoError(t, tx.Put(ctx, "events", storage.Key{Chat: "c", N: 1}, []byte("a")))
			v, ok, err := tx.Get(ctx, "events", storage.Key{Chat: "c", N: 1})
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("a"), v)
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Empty(t, collect(t, s, "events", "c", 0, 10, false), "failed transaction must leave nothing behind")
	})

	t.Run("DeleteAndTruncate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
			_ = tx.Put(ctx, "events", storage.Key{Chat: "c", N: 1}, []byte("a"))
			_ = tx.Put(ctx, "events", storage.Key{Chat: "c", N: 2}, []byte("b"))
			return tx.Put(ctx, "meta", storage.Key{Chat: "", N: 0}, []byte("v1"))
		}))
		require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
			if err := tx.Delete(ctx, "events", storage.Key{Chat: "c", N: 1}); err != nil {
				return err
			}
			var seen []int64
			err := tx.Scan(ctx, "events", "c", 0, 10, false, func(n int64, _ []byte) bool {
				seen = append(seen, n)
				return true
			})
			assert.Equal(t, []int64{2}, seen, "scan inside the transaction sees the delete")
			return err
		}))
		assert.Equal(t, []int64{2}, collect(t, s, "events", "c", 0, 10, false))

		require.NoError(t, s.Truncate(ctx))
		assert.Empty(t, collect(t, s, "events", "c", 0, 10, false))
		assert.Empty(t, collect(t, s, "meta", "", 0, 0, false))
	})
}
