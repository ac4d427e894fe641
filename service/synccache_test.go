package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSyncCacheUnchangedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	cache := NewSyncStateStore(filepath.Join(dir, "state.json"))

	local := writeTempFile(t, dir, "segments/segment_0_eating.mp4", "video")

	// 无记录 -> 视为变化
	assert.True(t, cache.IsFileChanged("proj-1", "segments/segment_0_eating.mp4", local))

	cache.RecordSynced("proj-1", "segments/segment_0_eating.mp4", local, "tok-1")
	assert.False(t, cache.IsFileChanged("proj-1", "segments/segment_0_eating.mp4", local))
	assert.Equal(t, "tok-1", cache.RemoteToken("proj-1", "segments/segment_0_eating.mp4"))
}

func TestSyncCacheDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	cache := NewSyncStateStore(filepath.Join(dir, "state.json"))

	local := writeTempFile(t, dir, "a.mp4", "v1")
	cache.RecordSynced("proj-1", "a.mp4", local, "tok")

	// 改内容改大小，指纹必然变化
	require.NoError(t, os.WriteFile(local, []byte("longer content"), 0o644))
	assert.True(t, cache.IsFileChanged("proj-1", "a.mp4", local))

	// 同大小但 mtime 不同也算变化
	require.NoError(t, os.WriteFile(local, []byte("v1"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(local, past, past))
	assert.True(t, cache.IsFileChanged("proj-1", "a.mp4", local))
}

func TestSyncCacheRefreshProjectCache(t *testing.T) {
	dir := t.TempDir()
	cache := NewSyncStateStore(filepath.Join(dir, "state.json"))

	kept := writeTempFile(t, dir, "kept.mp4", "v")
	changed := writeTempFile(t, dir, "changed.mp4", "v")
	vanished := writeTempFile(t, dir, "vanished.mp4", "v")

	cache.RecordSynced("proj-1", "kept.mp4", kept, "")
	cache.RecordSynced("proj-1", "changed.mp4", changed, "")
	cache.RecordSynced("proj-1", "vanished.mp4", vanished, "")

	require.NoError(t, os.WriteFile(changed, []byte("new content"), 0o644))
	require.NoError(t, os.Remove(vanished))

	out := cache.RefreshProjectCache("proj-1", dir)
	assert.Equal(t, []string{"changed.mp4"}, out)

	// 消失文件的记录已清理，重新出现时按新文件处理
	assert.True(t, cache.IsFileChanged("proj-1", "vanished.mp4", vanished))
	// 未变化的记录保留
	assert.False(t, cache.IsFileChanged("proj-1", "kept.mp4", kept))
}

func TestSyncCacheSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "nested", "state.json")

	cache := NewSyncStateStore(statePath)
	local := writeTempFile(t, dir, "a.mp4", "v")
	cache.RecordSynced("proj-1", "a.mp4", local, "tok-9")
	cache.SetFolderTokens("proj-1", "folder-tok", "segments-tok")
	require.NoError(t, cache.Save())

	restored := NewSyncStateStore(statePath)
	require.NoError(t, restored.Load())
	assert.False(t, restored.IsFileChanged("proj-1", "a.mp4", local))
	folderTok, segTok := restored.FolderTokens("proj-1")
	assert.Equal(t, "folder-tok", folderTok)
	assert.Equal(t, "segments-tok", segTok)
	assert.Equal(t, "tok-9", restored.RemoteToken("proj-1", "a.mp4"))
}

func TestSyncCacheCorruptSnapshotStartsFresh(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o644))

	cache := NewSyncStateStore(statePath)
	require.NoError(t, cache.Load())
	assert.True(t, cache.IsFileChanged("proj-1", "a.mp4", filepath.Join(dir, "missing")))
}

func TestSyncCacheMissingSnapshotOK(t *testing.T) {
	cache := NewSyncStateStore(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, cache.Load())
}
