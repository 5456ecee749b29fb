package assets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-resources/engine/assets/content"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func pngBytes(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < size; i++ {
		img.SetRGBA(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func material(name string) []byte {
	return []byte("name = " + name + "\nshader = Shader.Builtin.Material\ndiffuse_map_name = textures/stone.png\n")
}

// newAssetTree lays out a small asset directory: two textures, two materials,
// a shader blob and a file no type claims.
func newAssetTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "textures", "stone.png"), pngBytes(t, 8))
	writeFile(t, filepath.Join(dir, "textures", "wood.png"), pngBytes(t, 4))
	writeFile(t, filepath.Join(dir, "materials", "stone.amt"), material("stone"))
	writeFile(t, filepath.Join(dir, "materials", "wood.amt"), material("wood"))
	writeFile(t, filepath.Join(dir, "shaders", "builtin.spv"), []byte{0x03, 0x02, 0x23, 0x07})
	writeFile(t, filepath.Join(dir, "readme.txt"), []byte("not an asset"))
	return dir
}

func newAssetManager(t *testing.T, dir string) (*AssetManager, *systems.ResourceSystem) {
	t.Helper()
	rs, err := systems.NewResourceSystem(systems.ResourceSystemConfig{})
	require.NoError(t, err)
	for _, info := range BuiltinTypes(dir) {
		_, err := rs.RegisterType(info)
		require.NoError(t, err)
	}
	am, err := NewAssetManager(rs, 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, am.Shutdown())
		assert.NoError(t, rs.Shutdown())
	})
	return am, rs
}

func TestAssetManagerIndexesDirectory(t *testing.T) {
	dir := newAssetTree(t)
	am, rs := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, abs, am.BaseDir())
	assert.Equal(t, 5, am.Len())

	var keys []string
	for _, info := range am.Assets() {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{
		"materials/stone.amt",
		"materials/wood.amt",
		"shaders/builtin.spv",
		"textures/stone.png",
		"textures/wood.png",
	}, keys)

	info, ok := am.Lookup("Textures/Stone.PNG")
	require.True(t, ok)
	texture, _ := rs.TypeByName(TYPE_NAME_TEXTURE)
	assert.Equal(t, texture, info.Type)
	assert.False(t, info.ModTime.IsZero())

	_, ok = am.Lookup("readme.txt")
	assert.False(t, ok)
}

func TestPreloadDirectoryBlocks(t *testing.T) {
	dir := newAssetTree(t)
	am, rs := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handles, err := am.PreloadDirectory(systems.MainContext(ctx), "", true)
	require.NoError(t, err)
	require.Len(t, handles, 5)

	for _, h := range handles {
		info, ok := rs.ResourceInfo(h)
		require.True(t, ok)
		assert.Equal(t, resources.StateLoaded, info.State, info.Key)
		assert.Zero(t, info.RefCount, "%s is released after preloading", info.Key)
	}

	h, ok := rs.FindResource(mustType(t, rs, TYPE_NAME_MATERIAL), "materials/wood.amt")
	require.True(t, ok)
	r, result := rs.BeginAcquireResource(ctx, h, resources.AcquireModePointerOnly, resources.Handle{})
	require.Equal(t, resources.AcquireResultFinal, result)
	defer rs.EndAcquireResource(r)
	m := r.Content().(*content.Material)
	assert.Equal(t, "wood", m.Name)
	assert.Equal(t, []string{"textures/stone.png"}, m.TextureKeys())
}

func TestPreloadDirectoryPrefix(t *testing.T) {
	dir := newAssetTree(t)
	am, rs := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	handles, err := am.PreloadDirectory(systems.MainContext(context.Background()), "textures", true)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	for _, h := range handles {
		info, _ := rs.ResourceInfo(h)
		assert.Contains(t, info.Key, "textures/")
		assert.Equal(t, TYPE_NAME_TEXTURE, info.TypeName)
	}

	_, ok := rs.FindResource(mustType(t, rs, TYPE_NAME_MATERIAL), "materials/stone.amt")
	assert.False(t, ok, "assets outside the prefix are not created")
}

func TestPreloadDirectoryWithoutBlocking(t *testing.T) {
	dir := newAssetTree(t)
	am, rs := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	handles, err := am.PreloadDirectory(context.Background(), "materials/", false)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	require.Eventually(t, func() bool {
		rs.Tick()
		for _, h := range handles {
			if info, _ := rs.ResourceInfo(h); info.State != resources.StateLoaded {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
}

func TestPreloadDirectoryReportsMissingAssets(t *testing.T) {
	dir := newAssetTree(t)
	writeFile(t, filepath.Join(dir, "materials", "broken.amt"), []byte("shader = nameless\n"))
	am, _ := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	_, err := am.PreloadDirectory(systems.MainContext(context.Background()), "materials", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "materials/broken.amt")
}

func TestPreloadDirectoryHonoursContext(t *testing.T) {
	dir := newAssetTree(t)
	am, rs := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	// nobody runs the main queue, so the textures never finish
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	handles, err := am.PreloadDirectory(ctx, "textures", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, handles, 2)
	for _, h := range handles {
		info, _ := rs.ResourceInfo(h)
		assert.Zero(t, info.RefCount, "%s is not left acquired", info.Key)
	}
}

func TestAssetWatcherTracksFiles(t *testing.T) {
	dir := newAssetTree(t)
	am, _ := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	writeFile(t, filepath.Join(dir, "materials", "late.amt"), material("late"))
	require.Eventually(t, func() bool {
		_, ok := am.Lookup("materials/late.amt")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	writeFile(t, filepath.Join(dir, "fresh", "deep", "tex.png"), pngBytes(t, 2))
	require.Eventually(t, func() bool {
		_, ok := am.Lookup("fresh/deep/tex.png")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "materials", "late.amt")))
	require.Eventually(t, func() bool {
		_, ok := am.Lookup("materials/late.amt")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssetWatcherReloadsChangedFiles(t *testing.T) {
	dir := newAssetTree(t)
	am, rs := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	handles, err := am.PreloadDirectory(systems.MainContext(context.Background()), "materials", true)
	require.NoError(t, err)
	h, ok := rs.FindResource(mustType(t, rs, TYPE_NAME_MATERIAL), "materials/stone.amt")
	require.True(t, ok)
	require.Contains(t, handles, h)
	before, _ := rs.ResourceInfo(h)

	// swap the file in with one rename so the watcher never sees it half written
	staged := filepath.Join(t.TempDir(), "stone.amt")
	writeFile(t, staged, material("granite"))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(staged, later, later))
	require.NoError(t, os.Rename(staged, filepath.Join(dir, "materials", "stone.amt")))

	require.Eventually(t, func() bool {
		rs.Tick()
		info, _ := rs.ResourceInfo(h)
		return info.Generation > before.Generation && info.State == resources.StateLoaded
	}, 3*time.Second, 5*time.Millisecond)

	r, _ := rs.BeginAcquireResource(context.Background(), h, resources.AcquireModePointerOnly, resources.Handle{})
	require.NotNil(t, r)
	defer rs.EndAcquireResource(r)
	assert.Equal(t, "granite", r.Content().(*content.Material).Name)
}

func TestAssetKeys(t *testing.T) {
	dir := newAssetTree(t)
	writeFile(t, filepath.Join(dir, "..hidden.amt"), material("hidden"))
	am, _ := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))

	key, ok := am.keyFor(filepath.Join(am.BaseDir(), "..hidden.amt"))
	require.True(t, ok)
	assert.Equal(t, "..hidden.amt", key)
	_, ok = am.Lookup("..hidden.amt")
	assert.True(t, ok, "dot-dot file names inside the tree are indexed")

	_, ok = am.keyFor(filepath.Dir(am.BaseDir()))
	assert.False(t, ok)
	_, ok = am.keyFor(filepath.Join(filepath.Dir(am.BaseDir()), "other", "x.amt"))
	assert.False(t, ok)
}

func TestAssetManagerShutdown(t *testing.T) {
	dir := newAssetTree(t)

	idle, _ := newAssetManager(t, dir)
	require.NoError(t, idle.Shutdown(), "a manager that never started stops right away")
	assert.ErrorIs(t, idle.Initialize(dir), ErrAssetManagerClosed)

	am, _ := newAssetManager(t, dir)
	require.NoError(t, am.Initialize(dir))
	require.NoError(t, am.Shutdown())
	require.NoError(t, am.Shutdown())
	assert.ErrorIs(t, am.addRecursive(dir), ErrAssetManagerClosed)
}

func mustType(t *testing.T, rs *systems.ResourceSystem, name string) resources.TypeTag {
	t.Helper()
	tag, ok := rs.TypeByName(name)
	require.True(t, ok, name)
	return tag
}
