package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
)

func blockEvent(c chain.Chain, block uint64) bus.ChainEvent {
	return bus.NewChainEvent(c, bus.KindLog, bus.Payload{Block: block}, time.Now(), "test", "ws://test")
}

func TestRingBuffer_FIFO(t *testing.T) {
	b := newRingBuffer(4)
	for i := uint64(1); i <= 3; i++ {
		_, evicted := b.push(blockEvent(chain.Solana, i))
		assert.False(t, evicted)
	}
	assert.Equal(t, 3, b.len())

	for i := uint64(1); i <= 3; i++ {
		ev, ok := b.pop()
		require.True(t, ok)
		assert.Equal(t, i, ev.Payload.Block)
	}
	_, ok := b.pop()
	assert.False(t, ok)
}

func TestRingBuffer_DropsOldestWhenFull(t *testing.T) {
	b := newRingBuffer(2)
	b.push(blockEvent(chain.Ethereum, 1))
	b.push(blockEvent(chain.Ethereum, 2))

	old, evicted := b.push(blockEvent(chain.Ethereum, 3))
	require.True(t, evicted)
	assert.Equal(t, uint64(1), old.Payload.Block)
	assert.Equal(t, 2, b.len())

	ev, _ := b.pop()
	assert.Equal(t, uint64(2), ev.Payload.Block)
	ev, _ = b.pop()
	assert.Equal(t, uint64(3), ev.Payload.Block)
}

func TestRingBuffer_SignalIsCoalesced(t *testing.T) {
	b := newRingBuffer(8)
	b.push(blockEvent(chain.Solana, 1))
	b.push(blockEvent(chain.Solana, 2))

	assert.Len(t, b.signal, 1)
	<-b.signal
	assert.Len(t, b.signal, 0)
}
