package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRefusesAllocationPastLimit(t *testing.T) {
	p := NewPool(nil, 2)

	buf1 := p.GetTxMemBlock(0, TelegramSSDO, 8)
	require.NotNil(t, buf1)
	buf2 := p.GetTxMemBlock(0, TelegramSSDO, 8)
	require.NotNil(t, buf2)

	assert.Nil(t, p.GetTxMemBlock(0, TelegramSSDO, 8))

	require.NoError(t, p.MarkTxMemBlock(buf1))
	assert.NotNil(t, p.GetTxMemBlock(0, TelegramSSDO, 8))
}

func TestMarkWithoutAllocationErrors(t *testing.T) {
	p := NewPool(nil, 1)
	err := p.MarkTxMemBlock([]byte{1})
	assert.ErrorIs(t, err, ErrNoOutstandingBlock)
}

func TestSendRecordsBuffers(t *testing.T) {
	p := NewPool(nil, 1)
	require.NoError(t, p.Send([]byte{1, 2, 3}))
	assert.Equal(t, [][]byte{{1, 2, 3}}, p.Sent())
}
