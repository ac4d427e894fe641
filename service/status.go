package service

import (
	"log"
	"time"

	"PetVideoBatch-server/models"
)

// InferDisplayStatus 根据数据推导应当展示的项目状态，纯函数。
//
// 存储的状态可能是陈旧的：写状态的进程崩溃、回调丢失、两个写入方竞争，
// 都会留下一个永远"转圈"的过渡状态。这里不信任状态字段本身，
// 按优先级重新推导：
//  1. 已有最终合成视频 -> completed，无条件覆盖
//  2. 过渡状态 (generating_segment_i / storyboard_generating / merging)
//     做新鲜度校验：updated_at 超过 staleAfter 视为遗弃，按数据重推；
//     仍然新鲜时，generating_segment_i 还要求第 i 段确实没有视频，
//     否则说明生成其实已完成只是状态没写上，同样按数据重推
//  3. 按数据推导：全段 completed -> all_segments_ready；
//     有分镜 -> storyboard_ready；否则 pending
//  4. failed 但分段数据里有真实成果时，按数据重推，
//     失败标记不能盖住已生成的内容
//
// 每次纠正都会记一条日志，便于排查状态为何与存储不一致。
func InferDisplayStatus(t *models.BatchTask, now time.Time, staleAfter time.Duration) string {
	if t.FinalVideoURL != "" {
		return models.StatusCompleted
	}

	stored := t.Status
	age := now.Sub(t.UpdatedAt)

	if idx, ok := models.ParseGeneratingSegment(stored); ok {
		if r, has := t.SegmentResultAt(idx); has && r.VideoURL != "" {
			log.Printf("项目 %s 状态 %s 与数据不一致：第 %d 段已有视频，按数据重推", t.ID, stored, idx)
			return deriveFromData(t)
		}
		if age > staleAfter {
			log.Printf("项目 %s 状态 %s 已过期 (%.0fs)，按数据重推", t.ID, stored, age.Seconds())
			return deriveFromData(t)
		}
		return stored
	}

	if stored == models.StatusStoryboardGenerating || stored == models.StatusMerging {
		if age > staleAfter {
			log.Printf("项目 %s 状态 %s 已过期 (%.0fs)，按数据重推", t.ID, stored, age.Seconds())
			return deriveFromData(t)
		}
		return stored
	}

	if stored == models.StatusFailed {
		if hasCompletedWork(t) {
			log.Printf("项目 %s 标记为 failed 但已有完成的分段，按数据重推", t.ID)
			return deriveFromData(t)
		}
		return stored
	}

	if stored == "" {
		return deriveFromData(t)
	}
	return stored
}

// deriveFromData 只看数据不看状态字段的推导
func deriveFromData(t *models.BatchTask) string {
	if t.AllSegmentsCompleted() {
		return models.StatusAllSegmentsReady
	}
	if len(t.Storyboard) > 0 {
		return models.StatusStoryboardReady
	}
	return models.StatusPending
}

func hasCompletedWork(t *models.BatchTask) bool {
	for i := 0; i < t.TotalSegments; i++ {
		if r, ok := t.SegmentResultAt(i); ok && r.Status == models.SegmentStatusCompleted && r.VideoURL != "" {
			return true
		}
	}
	return false
}

// DisplaySegments 返回用于展示的各段状态。
// 过期的 generating_segment_i 对应的第 i 段（无视频）重置为 pending，
// 新鲜时保持 generating。不修改权威记录，只影响展示。
func DisplaySegments(t *models.BatchTask, now time.Time, staleAfter time.Duration) map[string]models.SegmentResult {
	out := make(map[string]models.SegmentResult, len(t.SegmentURLs))
	for k, v := range t.SegmentURLs {
		out[k] = v
	}

	idx, ok := models.ParseGeneratingSegment(t.Status)
	if !ok {
		return out
	}
	key := models.SegmentKey(idx)
	r := out[key]
	if r.VideoURL != "" {
		return out
	}
	if now.Sub(t.UpdatedAt) > staleAfter {
		r.Status = models.SegmentStatusPending
	} else {
		r.Status = models.SegmentStatusGenerating
	}
	out[key] = r
	return out
}
