package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/config"
	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/storage/jsonio"
	"github.com/ritzau/nucleus-tracker/pkg/storage/sqlite"
)

var unit = model.Resolution{PixelSizeX: 1, PixelSizeY: 1, PixelSizeZ: 1, TimePointMinutes: 12}

func testConfig(t *testing.T, mutate func(*config.Config)) (*config.Config, *pflag.FlagSet) {
	t.Helper()
	f := pflag.NewFlagSet("tracker", pflag.ContinueOnError)
	config.RegisterFlags(f)
	cfg, err := config.LoadFile(f, "", true)
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	return cfg, f
}

func newTestApp(t *testing.T, mutate func(*config.Config)) (*app, *bytes.Buffer) {
	t.Helper()
	cfg, f := testConfig(t, mutate)
	var out bytes.Buffer
	a, err := newApp(context.Background(), cfg, f, &out)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a, &out
}

// writeDataset stores two nuclei drifting along x over three time points.
func writeDataset(t *testing.T, path, name string) *experiment.Experiment {
	t.Helper()
	e, err := experiment.New(name, unit)
	require.NoError(t, err)
	for tp := range 3 {
		require.NoError(t, e.Positions.Add(model.NewPosition(float64(tp), 0, 0, tp), nil))
		require.NoError(t, e.Positions.Add(model.NewPosition(float64(50+tp), 0, 0, tp), nil))
	}
	require.NoError(t, jsonio.Save(path, e))
	return e
}

func TestDatasets(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt", ".hidden.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	paths, err := datasets([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")}, paths)

	_, err = datasets([]string{t.TempDir()})
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	_, err = datasets([]string{filepath.Join(dir, "absent.json")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunWritesOutputAndDatabase(t *testing.T) {
	in := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "results")
	db := filepath.Join(t.TempDir(), "tracker.db")
	writeDataset(t, filepath.Join(in, "a.json"), "a")
	writeDataset(t, filepath.Join(in, "b.json"), "b")

	a, out := newTestApp(t, func(c *config.Config) {
		c.Storage.Output = outDir
		c.Storage.Database = db
	})
	require.NoError(t, a.run(context.Background(), []string{in}))

	assert.Contains(t, out.String(), "Tracking report: a")
	assert.Contains(t, out.String(), "Tracking report: b")
	for _, name := range []string{"a.json", "b.json"} {
		e, err := jsonio.Load(filepath.Join(outDir, name))
		require.NoError(t, err)
		assert.Equal(t, 4, e.Tracks.LinkCount(), name)
	}

	entries, err := a.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Len(t, a.server.Sessions(), 2)
}

func TestRunSingleOutputFile(t *testing.T) {
	in := filepath.Join(t.TempDir(), "embryo.json")
	writeDataset(t, in, "embryo")
	outFile := filepath.Join(t.TempDir(), "tracked.json")

	a, _ := newTestApp(t, func(c *config.Config) { c.Storage.Output = outFile })
	require.NoError(t, a.run(context.Background(), []string{in}))

	e, err := jsonio.Load(outFile)
	require.NoError(t, err)
	assert.Equal(t, "embryo", e.Name)
	assert.Equal(t, 4, e.Tracks.LinkCount())
}

func TestOutputNeverOverwritesInput(t *testing.T) {
	in := t.TempDir()
	writeDataset(t, filepath.Join(in, "a.json"), "a")
	writeDataset(t, filepath.Join(in, "b.json"), "b")

	a, _ := newTestApp(t, func(c *config.Config) { c.Storage.Output = in })
	err := a.run(context.Background(), []string{in})
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestRunFromDatabase(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "tracker.db")
	e := writeDataset(t, filepath.Join(t.TempDir(), "a.json"), "stored")
	store, err := sqlite.Open(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, e))
	require.NoError(t, store.Close())

	a, out := newTestApp(t, func(c *config.Config) { c.Storage.Database = db })
	require.NoError(t, a.run(ctx, nil))
	assert.Contains(t, out.String(), "Tracking report: stored")

	got, err := a.store.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Tracks.LinkCount())
}

func TestNoInput(t *testing.T) {
	a, _ := newTestApp(t, nil)
	assert.ErrorIs(t, a.run(context.Background(), nil), errNoInput)
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, filepath.Join(dir, "clean.json"), "clean")

	e, err := experiment.New("merged", unit)
	require.NoError(t, err)
	a0, b0, c1 := model.NewPosition(0, 0, 0, 0), model.NewPosition(4, 0, 0, 0), model.NewPosition(2, 0, 0, 1)
	for _, p := range []model.Position{a0, b0, c1} {
		require.NoError(t, e.Positions.Add(p, nil))
	}
	require.NoError(t, e.Link(a0, c1))
	require.NoError(t, e.Link(b0, c1))
	require.NoError(t, jsonio.Save(filepath.Join(dir, "merged.json"), e))

	a, out := newTestApp(t, func(c *config.Config) {
		c.Check = true
		c.Pipeline.MaxPasts = 1
	})
	err = a.run(context.Background(), []string{dir})
	assert.ErrorIs(t, err, model.ErrTrackInvariant)
	assert.Equal(t, model.KindConstraint, model.KindOf(err))
	assert.Contains(t, out.String(), "Integrity check: clean")
	assert.Contains(t, out.String(), "VIOLATIONS: 1")
}

func TestRetrack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "embryo.json")
	e := writeDataset(t, path, "embryo")

	a, _ := newTestApp(t, nil)
	require.NoError(t, a.run(ctx, []string{path}))

	require.NoError(t, e.Positions.Add(model.NewPosition(3, 0, 0, 3), nil))
	require.NoError(t, jsonio.Save(path, e))
	require.NoError(t, a.retrack(ctx, path))

	sess, err := a.server.Session(e.ID.String())
	require.NoError(t, err)
	require.NoError(t, sess.Read(func(got *experiment.Experiment) error {
		assert.Equal(t, 7, got.Positions.Len())
		assert.Equal(t, 5, got.Tracks.LinkCount())
		return nil
	}))

	id, ok := a.experimentOf(path)
	assert.True(t, ok)
	assert.Equal(t, e.ID.String(), id)
}
