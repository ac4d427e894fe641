package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratingSegmentStatusRoundTrip(t *testing.T) {
	assert.Equal(t, "generating_segment_0", GeneratingSegmentStatus(0))
	assert.Equal(t, "generating_segment_3", GeneratingSegmentStatus(3))

	idx, ok := ParseGeneratingSegment("generating_segment_2")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	for _, bad := range []string{"", "pending", "generating_segment_", "generating_segment_x", "generating_segment_-1", "merging"} {
		_, ok := ParseGeneratingSegment(bad)
		assert.False(t, ok, "input %q", bad)
	}
}

func TestIsTransientStatus(t *testing.T) {
	assert.True(t, IsTransientStatus(StatusStoryboardGenerating))
	assert.True(t, IsTransientStatus(StatusMerging))
	assert.True(t, IsTransientStatus("generating_segment_1"))
	assert.False(t, IsTransientStatus(StatusPending))
	assert.False(t, IsTransientStatus(StatusCompleted))
	assert.False(t, IsTransientStatus(StatusFailed))
}

func TestParseStoryboardJSONBareArray(t *testing.T) {
	segs, err := ParseStoryboardJSON([]byte(`[
		{"segment_index":0,"segment_type":"intro","crucial":"a cat","duration":8},
		{"segment_index":1,"segment_type":"eating"}
	]`))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "intro", segs[0].SegmentType)
	assert.Equal(t, 8, segs[0].Duration)
}

func TestParseStoryboardJSONEnvelope(t *testing.T) {
	segs, err := ParseStoryboardJSON([]byte(`{"segments":[{"segment_index":0,"crucial":"a dog"}],"record_id":"rec-1","timestamp":"2025-06-01T00:00:00Z"}`))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "a dog", segs[0].Crucial)
}

func TestParseStoryboardJSONEdgeCases(t *testing.T) {
	segs, err := ParseStoryboardJSON([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, segs)

	segs, err = ParseStoryboardJSON([]byte("  "))
	require.NoError(t, err)
	assert.Nil(t, segs)

	_, err = ParseStoryboardJSON([]byte("{not json"))
	assert.Error(t, err)
}

func TestAllSegmentsCompleted(t *testing.T) {
	task := &BatchTask{TotalSegments: 2, SegmentURLs: SegmentURLMap{}}
	assert.False(t, task.AllSegmentsCompleted())

	task.SegmentURLs[SegmentKey(0)] = SegmentResult{VideoURL: "/s/0.mp4", Status: SegmentStatusCompleted}
	assert.False(t, task.AllSegmentsCompleted())

	// completed 但没有视频不算完成
	task.SegmentURLs[SegmentKey(1)] = SegmentResult{Status: SegmentStatusCompleted}
	assert.False(t, task.AllSegmentsCompleted())

	task.SegmentURLs[SegmentKey(1)] = SegmentResult{VideoURL: "/s/1.mp4", Status: SegmentStatusCompleted}
	assert.True(t, task.AllSegmentsCompleted())

	// 段数未知时不能判定完成
	empty := &BatchTask{TotalSegments: 0}
	assert.False(t, empty.AllSegmentsCompleted())
}

func TestSegmentResultAt(t *testing.T) {
	task := &BatchTask{}
	_, ok := task.SegmentResultAt(0)
	assert.False(t, ok)

	task.SegmentURLs = SegmentURLMap{SegmentKey(1): {VideoURL: "/s/1.mp4"}}
	r, ok := task.SegmentResultAt(1)
	require.True(t, ok)
	assert.Equal(t, "/s/1.mp4", r.VideoURL)
}

func TestStoryboardScanAcceptsBothFormats(t *testing.T) {
	var s Storyboard
	require.NoError(t, s.Scan([]byte(`[{"segment_index":0}]`)))
	assert.Len(t, s, 1)

	var envelope Storyboard
	require.NoError(t, envelope.Scan([]byte(`{"segments":[{"segment_index":0},{"segment_index":1}]}`)))
	assert.Len(t, envelope, 2)

	var nilCase Storyboard
	require.NoError(t, nilCase.Scan(nil))
	assert.Nil(t, nilCase)
}
