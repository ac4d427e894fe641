package service

import (
	"context"
	"fmt"
	"os/exec"
)

// FrameExtractor 首/末帧抽取。抽帧是阻塞的外部进程调用，
// 由 asynq worker 协程承载，不在请求路径上执行
type FrameExtractor interface {
	ExtractFirstFrame(ctx context.Context, videoPath, outPath string) error
	ExtractLastFrame(ctx context.Context, videoPath, outPath string) error
}

// FFmpegExtractor 通过 ffmpeg 子进程抽帧与拼接
type FFmpegExtractor struct {
	Bin string
}

func NewFFmpegExtractor() *FFmpegExtractor {
	return &FFmpegExtractor{Bin: "ffmpeg"}
}

func (f *FFmpegExtractor) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg 执行失败: %v, 输出: %s", err, truncate(string(out), 800))
	}
	return nil
}

// ExtractFirstFrame 抽取第 0 帧
func (f *FFmpegExtractor) ExtractFirstFrame(ctx context.Context, videoPath, outPath string) error {
	return f.run(ctx, "-y", "-i", videoPath,
		"-vf", `select=eq(n\,0)`, "-vframes", "1", "-q:v", "2", outPath)
}

// ExtractLastFrame 从末尾回退 1 秒取最后一帧
func (f *FFmpegExtractor) ExtractLastFrame(ctx context.Context, videoPath, outPath string) error {
	return f.run(ctx, "-y", "-sseof", "-1", "-i", videoPath,
		"-update", "1", "-vframes", "1", "-q:v", "1", outPath)
}

// ConcatVideos 用 concat demuxer 无转码拼接（各段编码参数一致时成立）
func (f *FFmpegExtractor) ConcatVideos(ctx context.Context, listFile, outPath string) error {
	return f.run(ctx, "-y", "-f", "concat", "-safe", "0",
		"-i", listFile, "-c", "copy", outPath)
}
