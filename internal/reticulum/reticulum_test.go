package reticulum

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/reticulum-go/rns/internal/config"
	"github.com/reticulum-go/rns/internal/iface"
	"github.com/stretchr/testify/require"
)

func TestNewLoadsIdentityAndWiresServices(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.IdentityPath = filepath.Join(dir, "identity.key")
	cfg.LXMF.StoreDSN = ""
	cfg.LXMF.PropagationNode = false

	r, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, r.Identity)
	require.NotNil(t, r.Transport)
	require.NotNil(t, r.Links)
	require.Nil(t, r.LXMF)
}

func TestStartStopIsIdempotentAndClean(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.IdentityPath = filepath.Join(dir, "identity.key")

	r, err := New(cfg, nil)
	require.NoError(t, err)

	a, _ := iface.NewPipePair("a", "b", 1500)
	r.RegisterInterface(a)

	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background())) // already running

	r.Stop()
	r.Stop() // idempotent
}
