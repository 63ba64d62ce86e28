package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/pathkey"
)

func TestWaitConfirmationTimeout(t *testing.T) {
	_, err := WaitConfirmation(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, apperr.ErrLedgerTimeout)
	assert.NotErrorIs(t, err, apperr.ErrLedgerUnavailable)
}

func TestWaitConfirmationParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WaitConfirmation(ctx, time.Minute, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apperr.ErrLedgerTimeout)
}

func TestWaitConfirmationPassesThrough(t *testing.T) {
	v, err := WaitConfirmation(context.Background(), time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	_, err = WaitConfirmation(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCheckKey(t *testing.T) {
	a, b := pathkey.Derive("/a"), pathkey.Derive("/b")
	assert.NoError(t, CheckKey(a, a))
	assert.ErrorIs(t, CheckKey(a, b), apperr.ErrLedgerInconsistency)
}

func TestValidateCID(t *testing.T) {
	assert.ErrorIs(t, ValidateCID(contentid.ID{}), apperr.ErrLedgerRejected)
}
