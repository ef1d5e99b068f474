package tether

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	t.Run("take once", func(t *testing.T) {
		pt := newPendingTable[testReply]()
		w := newWaiter[testReply]()
		require.Nil(t, pt.insert(7, w))
		require.Equal(t, 1, pt.len())

		require.Same(t, w, pt.take(7))
		require.Nil(t, pt.take(7))
		require.Zero(t, pt.len())
	})

	t.Run("remove only the owner", func(t *testing.T) {
		pt := newPendingTable[testReply]()
		old, cur := newWaiter[testReply](), newWaiter[testReply]()
		pt.insert(1, old)
		require.Same(t, old, pt.insert(1, cur))

		require.False(t, pt.remove(1, old))
		require.True(t, pt.remove(1, cur))
		require.Zero(t, pt.len())
	})

	t.Run("fail all", func(t *testing.T) {
		pt := newPendingTable[testReply]()
		var waiters []*waiter[testReply]
		for id := range uint64(200) {
			w := newWaiter[testReply]()
			waiters = append(waiters, w)
			pt.insert(id, w)
		}
		waiters[3].resolve(testReply{Kind: "ok"}, nil)

		boom := errors.New("boom")
		require.Equal(t, 199, pt.failAll(boom))
		require.Zero(t, pt.len())

		require.NoError(t, (<-waiters[3].ch).err)
		for i, w := range waiters {
			if i == 3 {
				continue
			}
			require.ErrorIs(t, (<-w.ch).err, boom)
		}
	})

	t.Run("single resolution", func(t *testing.T) {
		w := newWaiter[testReply]()
		var wg sync.WaitGroup
		var wins sync.Map
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if w.fail(errors.New("racer")) {
					wins.Store(i, true)
				}
			}()
		}
		wg.Wait()

		n := 0
		wins.Range(func(_, _ any) bool { n++; return true })
		require.Equal(t, 1, n)
		require.True(t, w.done())
		require.Len(t, w.ch, 1)
	})
}
