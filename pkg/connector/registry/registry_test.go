package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	nerrors "github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
	"github.com/ajitpratap0/nebula-cdc/pkg/testutil"
)

func TestRegisterAndOpen(t *testing.T) {
	r := NewRegistry()
	src := testutil.NewFakeSource(models.FamilyPostgreSQL)
	require.NoError(t, r.RegisterSource(models.FamilyPostgreSQL, func(_ context.Context, _ *models.Connection, opts Options) (capability.Source, error) {
		assert.NotNil(t, opts.Logger)
		return src, nil
	}))
	require.NoError(t, r.RegisterTarget(models.FamilyS3, func(_ context.Context, _ *models.Connection, _ Options) (capability.Target, error) {
		return testutil.NewFakeObjectStore(models.FamilyS3, "raw"), nil
	}))

	got, err := r.OpenSource(context.Background(), &models.Connection{ID: "c", Family: models.FamilyPostgreSQL}, Options{})
	require.NoError(t, err)
	assert.Same(t, src, got)

	dst, err := r.OpenTarget(context.Background(), &models.Connection{ID: "d", Family: models.FamilyS3}, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.ShapeObjectStore, dst.Shape())

	assert.Equal(t, []models.Family{models.FamilyPostgreSQL}, r.ListSources())
	assert.Equal(t, []models.Family{models.FamilyS3}, r.ListTargets())
	assert.True(t, r.HasSource(models.FamilyPostgreSQL))
	assert.False(t, r.HasTarget(models.FamilyPostgreSQL))
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	f := func(context.Context, *models.Connection, Options) (capability.Source, error) { return nil, nil }
	require.NoError(t, r.RegisterSource(models.FamilyMySQL, f))
	assert.Error(t, r.RegisterSource(models.FamilyMySQL, f))
}

func TestOpenErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.OpenSource(context.Background(), &models.Connection{Family: models.FamilyOracle}, Options{})
	assert.True(t, nerrors.IsType(err, nerrors.ErrorTypeCapability))

	require.NoError(t, r.RegisterTarget(models.FamilyGCS, func(context.Context, *models.Connection, Options) (capability.Target, error) {
		return nil, errors.New("no credentials")
	}))
	_, err = r.OpenTarget(context.Background(), &models.Connection{ID: "g", Family: models.FamilyGCS}, Options{})
	require.Error(t, err)
	assert.True(t, nerrors.IsType(err, nerrors.ErrorTypeConnection))
	assert.Contains(t, err.Error(), "no credentials")
}
