package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LoadNull(t *testing.T) {
	reg := NewRegistry(Options{})
	require.NoError(t, reg.LoadProvider(context.Background(), Null))
	// Loading twice is a no-op.
	require.NoError(t, reg.LoadProvider(context.Background(), Null))

	p, err := reg.Get(Null)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRegistry_Unknown(t *testing.T) {
	reg := NewRegistry(Options{})
	err := reg.LoadProvider(context.Background(), "terraform")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider: terraform (available: cloudformation, null)")

	_, err = reg.Get(CloudFormation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded")
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"cloudformation", "null"}, Names())
}
