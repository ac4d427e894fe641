package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"PetVideoBatch-server/models"

	"golang.org/x/time/rate"
)

// ErrRecordNotFound 远端记录不存在，属于不重试的错误类
var ErrRecordNotFound = fmt.Errorf("远端记录不存在")

// SheetRecord 远端表格的一条记录
type SheetRecord struct {
	RecordID string                 `json:"record_id"`
	Fields   map[string]interface{} `json:"fields"`
}

// SheetField 字段元信息，用于区分附件字段和文本字段
type SheetField struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
}

// 附件字段类型码
const SheetFieldTypeAttachment = 17

// SheetClient 远端表格客户端：分页读取、字段更新、附件上传，
// 带限流与指数退避重试。同时实现 RecordMirror 作为出库回写通道。
type SheetClient struct {
	BaseURL  string
	AppToken string
	TableID  string
	APIKey   string
	Client   *http.Client
	limiter  *rate.Limiter

	fieldCache []SheetField
}

func NewSheetClient(baseURL, appToken, tableID, apiKey string, ratePerMinute int) *SheetClient {
	if ratePerMinute <= 0 {
		ratePerMinute = 100
	}
	return &SheetClient{
		BaseURL:  baseURL,
		AppToken: appToken,
		TableID:  tableID,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute),
	}
}

// doWithRetry 发送请求，限流 + 退避重试（3 次，间隔翻倍）。
// 404 不重试，限流响应 (429) 和网络错误重试。
func (c *SheetClient) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)

		resp, err := c.Client.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("表格请求失败(第 %d 次, 重试中): %v", attempt+1, err)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrRecordNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("被限流 (429)")
			log.Printf("表格请求被限流，退避后重试")
			continue
		default:
			lastErr = fmt.Errorf("表格请求状态码 %d: %s", resp.StatusCode, truncate(string(body), 300))
			continue
		}
	}
	return nil, fmt.Errorf("表格请求重试耗尽: %w", lastErr)
}

func (c *SheetClient) tableURL(suffix string) string {
	return fmt.Sprintf("%s/bitable/v1/apps/%s/tables/%s%s", c.BaseURL, c.AppToken, c.TableID, suffix)
}

// ListRecords 读取一页记录
func (c *SheetClient) ListRecords(ctx context.Context, pageToken string) ([]SheetRecord, string, error) {
	url := c.tableURL("/records?page_size=100")
	if pageToken != "" {
		url += "&page_token=" + pageToken
	}
	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, "", err
	}

	var respData struct {
		Data struct {
			Items     []SheetRecord `json:"items"`
			PageToken string        `json:"page_token"`
			HasMore   bool          `json:"has_more"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &respData); err != nil {
		return nil, "", fmt.Errorf("解析记录列表失败: %w", err)
	}
	next := ""
	if respData.Data.HasMore {
		next = respData.Data.PageToken
	}
	return respData.Data.Items, next, nil
}

// GetAllRecords 翻页取全量记录
func (c *SheetClient) GetAllRecords(ctx context.Context) ([]SheetRecord, error) {
	var all []SheetRecord
	pageToken := ""
	for {
		items, next, err := c.ListRecords(ctx, pageToken)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		pageToken = next
	}
}

// UpdateRecord 更新一条记录的若干字段
func (c *SheetClient) UpdateRecord(ctx context.Context, recordID string, fields map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return err
	}
	_, err = c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			c.tableURL("/records/"+recordID), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

// GetFieldSchema 读取字段元信息（带进程内缓存）。
// 更新前要先分清附件字段与文本字段：往附件字段写 URL 文本会被远端拒绝。
func (c *SheetClient) GetFieldSchema(ctx context.Context) ([]SheetField, error) {
	if c.fieldCache != nil {
		return c.fieldCache, nil
	}
	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.tableURL("/fields"), nil)
	})
	if err != nil {
		return nil, err
	}
	var respData struct {
		Data struct {
			Items []SheetField `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &respData); err != nil {
		return nil, fmt.Errorf("解析字段列表失败: %w", err)
	}
	c.fieldCache = respData.Data.Items
	return c.fieldCache, nil
}

// IsAttachmentField 按字段名判断是否附件字段
func (c *SheetClient) IsAttachmentField(ctx context.Context, fieldName string) (bool, error) {
	fields, err := c.GetFieldSchema(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range fields {
		if f.FieldName == fieldName {
			return f.Type == SheetFieldTypeAttachment, nil
		}
	}
	return false, nil
}

// UploadAttachment 上传本地文件为附件，返回附件令牌
func (c *SheetClient) UploadAttachment(ctx context.Context, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("附件不存在: %w", err)
	}

	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		_ = w.WriteField("parent_type", "bitable_file")
		_ = w.WriteField("parent_node", c.AppToken)
		_ = w.WriteField("size", fmt.Sprintf("%d", info.Size()))
		part, err := w.CreateFormFile("file", filepath.Base(localPath))
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.BaseURL+"/drive/v1/medias/upload_all", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var respData struct {
		Data struct {
			FileToken string `json:"file_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &respData); err != nil {
		return "", fmt.Errorf("解析附件上传响应失败: %w", err)
	}
	if respData.Data.FileToken == "" {
		return "", fmt.Errorf("附件上传响应缺少 file_token")
	}
	return respData.Data.FileToken, nil
}

// DownloadAttachment 按令牌下载附件内容
func (c *SheetClient) DownloadAttachment(ctx context.Context, token string) ([]byte, error) {
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.BaseURL+"/drive/v1/medias/"+token+"/download", nil)
	})
}

// ============================================================================
// RecordMirror 实现：往远端表格的回写都是尽力而为
// ============================================================================

// MirrorSegment 把一段结果回写到表格对应字段
func (c *SheetClient) MirrorSegment(recordID string, idx int, res models.SegmentResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fieldName := fmt.Sprintf("segment_%d_video", idx)
	attachment, err := c.IsAttachmentField(ctx, fieldName)
	if err != nil {
		return err
	}

	var value interface{}
	if attachment {
		ref := ClassifyResource(res.VideoURL)
		if ref.Kind != ResourceLocalPath {
			return fmt.Errorf("附件字段 %s 需要本地文件，得到 %s", fieldName, res.VideoURL)
		}
		token, err := c.UploadAttachment(ctx, ref.Value)
		if err != nil {
			return err
		}
		value = []map[string]string{{"file_token": token}}
	} else {
		value = res.VideoURL
	}

	return c.UpdateRecord(ctx, recordID, map[string]interface{}{fieldName: value})
}

// MirrorStatus 把状态/错误回写到表格
func (c *SheetClient) MirrorStatus(recordID, status, errMsg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.UpdateRecord(ctx, recordID, map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
	})
}
