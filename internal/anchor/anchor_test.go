package anchor

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	receipts map[common.Hash]*types.Receipt
	err      error
	head     uint64
	headErr  error
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.headErr
}

var (
	okHash       = "0x" + strings.Repeat("ab", 32)
	revertedHash = "0x" + strings.Repeat("cd", 32)
	unknownHash  = "0x" + strings.Repeat("ef", 32)
)

func newFakeChain() *fakeChain {
	return &fakeChain{
		head: 110,
		receipts: map[common.Hash]*types.Receipt{
			common.HexToHash(okHash):       {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101), GasUsed: 21000},
			common.HexToHash(revertedHash): {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(105)},
		},
	}
}

func TestIsTxHash(t *testing.T) {
	assert.True(t, IsTxHash(okHash))
	assert.False(t, IsTxHash(""))
	assert.False(t, IsTxHash("0x"+strings.Repeat("a", 40)), "simulated 20-byte anchor")
	assert.False(t, IsTxHash(strings.Repeat("a", 64)))
	assert.False(t, IsTxHash("0x"+strings.Repeat("z", 64)))
}

func TestCheck(t *testing.T) {
	c := NewChecker(newFakeChain(), nil)
	ctx := context.Background()

	r := c.Check(ctx, okHash)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, uint64(101), r.BlockNumber)
	assert.Equal(t, uint64(10), r.Confirmations)
	assert.Equal(t, uint64(21000), r.GasUsed)

	assert.Equal(t, StatusFailed, c.Check(ctx, revertedHash).Status)
	assert.Equal(t, StatusPending, c.Check(ctx, unknownHash).Status)
	assert.Equal(t, StatusUnanchored, c.Check(ctx, "0x1234").Status)
	assert.Equal(t, StatusUnanchored, c.Check(ctx, "").Status)
}

func TestCheck_RPCError(t *testing.T) {
	chain := newFakeChain()
	chain.err = errors.New("dial tcp: connection refused")
	r := NewChecker(chain, nil).Check(context.Background(), okHash)
	assert.Equal(t, StatusUnavailable, r.Status)
	assert.Contains(t, r.Message, "connection refused")
}

func TestCheck_HeadErrorKeepsConfirmed(t *testing.T) {
	chain := newFakeChain()
	chain.headErr = errors.New("timeout")
	r := NewChecker(chain, nil).Check(context.Background(), okHash)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Zero(t, r.Confirmations)
}

func TestCheck_NoClient(t *testing.T) {
	c, err := Dial(context.Background(), "", nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, StatusUnavailable, c.Check(context.Background(), okHash).Status)
	assert.Equal(t, StatusUnanchored, c.Check(context.Background(), "bogus").Status)
	assert.False(t, c.Enabled())
	_, err = c.Head(context.Background())
	assert.Error(t, err)
}

func TestConfirmations(t *testing.T) {
	assert.Equal(t, uint64(1), confirmations(100, big.NewInt(100)))
	assert.Equal(t, uint64(0), confirmations(99, big.NewInt(100)))
	assert.Equal(t, uint64(0), confirmations(99, nil))
}

func TestHead(t *testing.T) {
	c := NewChecker(newFakeChain(), nil)
	assert.True(t, c.Enabled())
	head, err := c.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(110), head)
}
