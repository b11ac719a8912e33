package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

func TestDeriveAccountDeterministic(t *testing.T) {
	seed := []byte("correct horse battery staple")

	a, err := DeriveAccount(seed, 0)
	require.NoError(t, err)
	again, err := DeriveAccount(seed, 0)
	require.NoError(t, err)
	b, err := DeriveAccount(seed, 1)
	require.NoError(t, err)
	other, err := DeriveAccount([]byte("another seed"), 0)
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a.Address, b.Address)
	assert.NotEqual(t, a.Address, other.Address)
	assert.True(t, common.IsHexAddress(a.Address))
	assert.Equal(t, uint32(1), b.Index)

	_, err = DeriveAccount(nil, 0)
	assert.Error(t, err)
}

type fakeSource struct{}

func (fakeSource) Subscribe(_ context.Context, _ string) (<-chan models.DepositEvent, error) {
	return nil, nil
}

func (fakeSource) History(_ context.Context, _, _ string, _ int) (*HistoryPage, error) {
	return nil, nil
}

func TestCapability(t *testing.T) {
	assert.NoError(t, PushCapability(fakeSource{}).Validate())
	assert.Equal(t, "push", PushCapability(fakeSource{}).Mode())
	assert.NoError(t, PollCapability(fakeSource{}).Validate())
	assert.Equal(t, "poll", PollCapability(fakeSource{}).Mode())

	assert.ErrorIs(t, Capability{}.Validate(), ErrNoCapability)
	assert.ErrorIs(t, Capability{Push: fakeSource{}, Poll: fakeSource{}}.Validate(), ErrNoCapability)
}

func TestUnavailableWrapsBoth(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("ledger_balanceOf", cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ledger_balanceOf")
}

func TestEventWireRoundTrip(t *testing.T) {
	amount, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	event := models.DepositEvent{
		Ref: "7", From: "0xa", To: "0xb", Token: "BASE", Amount: amount, ExternalTag: "intent1",
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}

	decoded, err := EncodeEvent(event).Decode()
	require.NoError(t, err)
	assert.Equal(t, event.Amount.String(), decoded.Amount.String())
	assert.Equal(t, event.ExternalTag, decoded.ExternalTag)
	assert.True(t, event.Timestamp.Equal(decoded.Timestamp))

	_, err = EventMessage{Amount: "-1"}.Decode()
	assert.Error(t, err)
	_, err = EventMessage{Amount: "1.5"}.Decode()
	assert.Error(t, err)
}
