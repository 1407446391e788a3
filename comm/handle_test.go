package comm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaReusesSlotsWithNewGeneration(t *testing.T) {
	var a arena
	first, r := a.alloc()
	require.NotNil(t, r)
	assert.Equal(t, -1, r.expect)
	assert.Same(t, r, a.get(first))

	a.release(first)
	assert.Nil(t, a.get(first))
	assert.Zero(t, a.live)

	second, r2 := a.alloc()
	assert.Equal(t, first.index, second.index)
	assert.NotEqual(t, first.gen, second.gen)
	assert.Same(t, r, r2, "slot storage is reused")
	assert.Nil(t, a.get(first), "stale id must not resolve to the new record")

	a.release(first)
	assert.Equal(t, 1, a.live, "releasing a stale id is a no-op")
}

func TestArenaRecordsSurviveGrowth(t *testing.T) {
	var a arena
	id, r := a.alloc()
	for i := 0; i < 100; i++ {
		a.alloc()
	}
	assert.Same(t, r, a.get(id))
}

func TestArenaSettleAndReap(t *testing.T) {
	var a arena
	root, rr := a.alloc()
	child, cr := a.alloc()
	rr.children = append(rr.children, child)

	steps := 0
	step := func(r *record) {
		steps++
		if r == cr && steps > 2 {
			r.fail(errors.New("child failed"))
		}
		if r == rr {
			r.state = stateCompleted
		}
	}
	assert.False(t, a.settle(root, step))
	assert.True(t, a.settle(root, step))

	var order []opKind
	rr.kind, cr.kind = opHeaderRecv, opRecv
	err := a.reap(root, func(r *record, err error) error {
		order = append(order, r.kind)
		if r.kind == opHeaderRecv {
			assert.EqualError(t, err, "child failed")
		}
		return nil
	})
	assert.EqualError(t, err, "child failed")
	assert.Equal(t, []opKind{opRecv, opHeaderRecv}, order)
	assert.Zero(t, a.live)
	assert.True(t, a.settle(root, step), "released trees count as settled")
	assert.NoError(t, a.reap(root, nil))
}

func TestOpKindString(t *testing.T) {
	assert.Equal(t, "send", opSend.String())
	assert.Equal(t, "recv_unknown", opRecvUnknown.String())
	assert.Equal(t, "unknown", opKind(99).String())
}
