package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeJobState(t *testing.T) {
	for _, raw := range []string{"SUCCESS", "succeeded", "completed", "FINISHED"} {
		state, known := normalizeJobState(raw)
		assert.True(t, known, raw)
		assert.Equal(t, JobSucceeded, state, raw)
	}
	for _, raw := range []string{"FAILED", "error", "cancelled"} {
		state, _ := normalizeJobState(raw)
		assert.Equal(t, JobFailed, state, raw)
	}
	for _, raw := range []string{"PROCESSING", "queued", "running"} {
		state, _ := normalizeJobState(raw)
		assert.Equal(t, JobProcessing, state, raw)
	}
	// 未知词汇按仍在处理对待，靠预算兜底
	state, known := normalizeJobState("weird_vendor_word")
	assert.False(t, known)
	assert.Equal(t, JobProcessing, state)
}

func TestVectorEngineSubmitLocalFile(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpg-bytes"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/video/generations", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "m1", r.FormValue("model"))
		assert.Equal(t, "a cat eats", r.FormValue("prompt"))
		assert.Equal(t, "8", r.FormValue("duration"))

		f, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "frame.jpg", header.Filename)

		json.NewEncoder(w).Encode(map[string]string{"task_id": "ve-task-1"})
	}))
	defer srv.Close()

	p := NewVectorEngineProvider(srv.URL, "key", "m1")
	id, err := p.Submit(context.Background(), SubmitRequest{
		Prompt:         "a cat eats",
		ReferenceImage: ResourceRef{Kind: ResourceLocalPath, Value: img},
		DurationSec:    8,
	})
	require.NoError(t, err)
	assert.Equal(t, "ve-task-1", id)
}

func TestVectorEnginePollNestedData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/video/tasks/ve-task-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{
				"status":    "succeeded",
				"video_url": "https://cdn.example.com/out.mp4",
			},
		})
	}))
	defer srv.Close()

	p := NewVectorEngineProvider(srv.URL, "key", "m1")
	res, err := p.Poll(context.Background(), "ve-task-1")
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, res.State)
	assert.Equal(t, "https://cdn.example.com/out.mp4", res.VideoURL)
}

func TestZhipuSubmitEncodesLocalImage(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpg-bytes"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos/generations", r.URL.Path)
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload["image_url"], "data:image/jpeg;base64,")
		json.NewEncoder(w).Encode(map[string]string{"id": "zp-1"})
	}))
	defer srv.Close()

	p := NewZhipuProvider(srv.URL, "key", "cogvideox")
	id, err := p.Submit(context.Background(), SubmitRequest{
		Prompt:         "a dog eats",
		ReferenceImage: ResourceRef{Kind: ResourceLocalPath, Value: img},
	})
	require.NoError(t, err)
	assert.Equal(t, "zp-1", id)
}

func TestZhipuPollStates(t *testing.T) {
	responses := map[string]interface{}{
		"processing": map[string]interface{}{"task_status": "PROCESSING"},
		"success": map[string]interface{}{
			"task_status":  "SUCCESS",
			"video_result": []map[string]string{{"url": "https://cdn.example.com/z.mp4"}},
		},
		"fail": map[string]interface{}{
			"task_status": "FAIL",
			"error":       map[string]string{"message": "内容审核未通过"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := filepath.Base(r.URL.Path)
		json.NewEncoder(w).Encode(responses[key])
	}))
	defer srv.Close()

	p := NewZhipuProvider(srv.URL, "key", "cogvideox")

	res, err := p.Poll(context.Background(), "processing")
	require.NoError(t, err)
	assert.Equal(t, JobProcessing, res.State)

	res, err = p.Poll(context.Background(), "success")
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, res.State)
	assert.Equal(t, "https://cdn.example.com/z.mp4", res.VideoURL)

	res, err = p.Poll(context.Background(), "fail")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, res.State)
	assert.Equal(t, "内容审核未通过", res.Message)
}

func TestDecodeInlineData(t *testing.T) {
	raw, err := decodeInlineData("data:image/jpeg;base64,anBnLWJ5dGVz")
	require.NoError(t, err)
	assert.Equal(t, "jpg-bytes", string(raw))

	_, err = decodeInlineData("data:image/jpeg,not-base64")
	assert.Error(t, err)
}
