package null

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/orgform/internal/ir"
)

func stack(account, region, hash string) *ir.DesiredStack {
	return &ir.DesiredStack{
		Target: ir.Target{AccountID: account, Region: region, StackName: "s"},
		Hash:   hash,
	}
}

func TestPerformer_Lifecycle(t *testing.T) {
	p := New()
	ctx := context.Background()

	require.NoError(t, p.Create(ctx, stack("2", "eu-west-1", "h1")))
	require.NoError(t, p.Create(ctx, stack("1", "us-east-1", "h1")))
	require.NoError(t, p.Update(ctx, stack("2", "eu-west-1", "h2")))

	assert.Equal(t, []ir.TargetKey{
		{AccountID: "1", Region: "us-east-1", StackName: "s"},
		{AccountID: "2", Region: "eu-west-1", StackName: "s"},
	}, p.deployed())

	h, ok := p.hash(ir.TargetKey{AccountID: "2", Region: "eu-west-1", StackName: "s"})
	require.True(t, ok)
	assert.Equal(t, "h2", h)

	require.NoError(t, p.Delete(ctx, stack("1", "us-east-1", "").Target))
	assert.Len(t, p.deployed(), 1)

	// deleting something unknown is fine
	require.NoError(t, p.Delete(ctx, stack("9", "us-east-1", "").Target))
}

func TestPerformer_CancelledContext(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Create(ctx, stack("1", "r", "h")), context.Canceled)
	assert.ErrorIs(t, p.Delete(ctx, stack("1", "r", "h").Target), context.Canceled)
	assert.Empty(t, p.deployed())
}
