package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 渠道任务的三态。两个具体渠道的状态词汇不同，这里统一归一化
type ProviderJobState int

const (
	JobProcessing ProviderJobState = iota
	JobSucceeded
	JobFailed
)

// SubmitRequest 一次视频生成请求
type SubmitRequest struct {
	Prompt         string
	ReferenceImage ResourceRef
	DurationSec    int
}

// PollResult 一次轮询的归一化结果
type PollResult struct {
	State    ProviderJobState
	VideoURL string
	Message  string
}

// VideoProvider 视频生成渠道。提交后返回不透明任务号，轮询直到出结果。
// 任务一旦提交即不可远程中止，本端只能停止轮询。
type VideoProvider interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
}

func normalizeJobState(raw string) (ProviderJobState, bool) {
	switch strings.ToLower(raw) {
	case "succeeded", "success", "completed", "finished", "done":
		return JobSucceeded, true
	case "failed", "fail", "error", "cancelled":
		return JobFailed, true
	case "processing", "pending", "queued", "running", "submitted", "in_progress":
		return JobProcessing, true
	}
	return JobProcessing, false
}

// ============================================================================
// VectorEngine：multipart 表单提交，参考图作为文件部分上传
// ============================================================================

type VectorEngineProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewVectorEngineProvider(baseURL, apiKey, model string) *VectorEngineProvider {
	return &VectorEngineProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *VectorEngineProvider) Name() string { return "vector_engine" }

func (p *VectorEngineProvider) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("model", p.Model)
	_ = w.WriteField("prompt", req.Prompt)
	if req.DurationSec > 0 {
		_ = w.WriteField("duration", fmt.Sprintf("%d", req.DurationSec))
	}

	switch req.ReferenceImage.Kind {
	case ResourceLocalPath:
		f, err := os.Open(req.ReferenceImage.Value)
		if err != nil {
			return "", fmt.Errorf("读取参考图失败: %w", err)
		}
		part, err := w.CreateFormFile("image", filepath.Base(req.ReferenceImage.Value))
		if err != nil {
			f.Close()
			return "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return "", fmt.Errorf("写入参考图失败: %w", err)
		}
		f.Close()
	case ResourceRemoteURL:
		_ = w.WriteField("image_url", req.ReferenceImage.Value)
	case ResourceInlineData:
		raw, err := decodeInlineData(req.ReferenceImage.Value)
		if err != nil {
			return "", err
		}
		part, err := w.CreateFormFile("image", "reference.jpg")
		if err != nil {
			return "", err
		}
		if _, err := part.Write(raw); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/video/generations", &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("渠道提交失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("渠道提交状态码 %d: %s", resp.StatusCode, truncate(string(b), 500))
	}

	var respData struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
		Data   struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("解析提交响应失败: %w", err)
	}
	for _, id := range []string{respData.TaskID, respData.ID, respData.Data.TaskID} {
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("提交响应缺少 task_id")
}

func (p *VectorEngineProvider) Poll(ctx context.Context, taskID string) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/video/tasks/"+taskID, nil)
	if err != nil {
		return PollResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("轮询状态码 %d", resp.StatusCode)
	}

	var respData struct {
		Status   string `json:"status"`
		VideoURL string `json:"video_url"`
		Error    string `json:"error"`
		Data     struct {
			Status   string `json:"status"`
			VideoURL string `json:"video_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return PollResult{}, fmt.Errorf("解析轮询响应失败: %w", err)
	}

	status := respData.Status
	videoURL := respData.VideoURL
	if status == "" {
		status = respData.Data.Status
		videoURL = respData.Data.VideoURL
	}
	state, _ := normalizeJobState(status)
	return PollResult{State: state, VideoURL: videoURL, Message: respData.Error}, nil
}

// ============================================================================
// 智谱：JSON 提交，参考图以 URL 或 base64 data URI 传入
// ============================================================================

type ZhipuProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewZhipuProvider(baseURL, apiKey, model string) *ZhipuProvider {
	return &ZhipuProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *ZhipuProvider) Name() string { return "zhipu" }

func (p *ZhipuProvider) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload := map[string]interface{}{
		"model":  p.Model,
		"prompt": req.Prompt,
	}
	if req.DurationSec > 0 {
		payload["duration"] = req.DurationSec
	}

	switch req.ReferenceImage.Kind {
	case ResourceRemoteURL, ResourceInlineData:
		payload["image_url"] = req.ReferenceImage.Value
	case ResourceLocalPath:
		raw, err := os.ReadFile(req.ReferenceImage.Value)
		if err != nil {
			return "", fmt.Errorf("读取参考图失败: %w", err)
		}
		payload["image_url"] = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/videos/generations", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("渠道提交失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("渠道提交状态码 %d: %s", resp.StatusCode, truncate(string(b), 500))
	}

	var respData struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("解析提交响应失败: %w", err)
	}
	if respData.ID == "" {
		return "", fmt.Errorf("提交响应缺少 id")
	}
	return respData.ID, nil
}

func (p *ZhipuProvider) Poll(ctx context.Context, taskID string) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/async-result/"+taskID, nil)
	if err != nil {
		return PollResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("轮询状态码 %d", resp.StatusCode)
	}

	var respData struct {
		TaskStatus  string `json:"task_status"`
		VideoResult []struct {
			URL string `json:"url"`
		} `json:"video_result"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return PollResult{}, fmt.Errorf("解析轮询响应失败: %w", err)
	}

	state, _ := normalizeJobState(respData.TaskStatus)
	videoURL := ""
	if len(respData.VideoResult) > 0 {
		videoURL = respData.VideoResult[0].URL
	}
	return PollResult{State: state, VideoURL: videoURL, Message: respData.Error.Message}, nil
}

func decodeInlineData(dataURI string) ([]byte, error) {
	idx := strings.Index(dataURI, "base64,")
	if idx < 0 {
		return nil, fmt.Errorf("不支持的内联数据格式")
	}
	raw, err := base64.StdEncoding.DecodeString(dataURI[idx+len("base64,"):])
	if err != nil {
		return nil, fmt.Errorf("解码内联图片失败: %w", err)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
