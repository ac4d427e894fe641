package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"PetVideoBatch-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var MinioClient *minio.Client

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
}

func ensureBucket(ctx context.Context, bucketName string) error {
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", bucketName)
	}
	return nil
}

// contentTypeFor 根据文件扩展名确定 ContentType
func contentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// UploadProjectFile 上传项目产物到对象存储，返回预签名 URL
func UploadProjectFile(localPath, objectName string) (string, error) {
	ctx := context.Background()
	bucketName := config.AppConfig.MinIO.Bucket

	if err := ensureBucket(ctx, bucketName); err != nil {
		return "", err
	}

	_, err := MinioClient.FPutObject(ctx, bucketName, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	expiry := time.Hour * 72
	reqParams := make(url.Values)
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	log.Printf("文件已上传: %s", objectName)
	return presignedURL.String(), nil
}

// UploadFinalVideo 成片上传，objectName 形如 projects/{project_id}/final_video.mp4
func UploadFinalVideo(localPath, projectID string) (string, error) {
	objectName := fmt.Sprintf("projects/%s/%s", projectID, filepath.Base(localPath))
	return UploadProjectFile(localPath, objectName)
}

// SyncProjectToCloud 把项目目录增量同步到对象存储。
// 指纹没变的文件直接跳过；指纹变了的旧记录先对远端复核，
// 远端副本大小一致时只刷新指纹不重传。
func SyncProjectToCloud(cache *SyncStateStore, projectID, storagePath string) (uploaded, skipped int, err error) {
	ctx := context.Background()
	bucketName := config.AppConfig.MinIO.Bucket
	if err := ensureBucket(ctx, bucketName); err != nil {
		return 0, 0, err
	}

	return syncProjectFiles(cache, projectID, storagePath,
		func(objectName string) (int64, error) {
			stat, err := MinioClient.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
			if err != nil {
				return 0, err
			}
			return stat.Size, nil
		},
		UploadProjectFile)
}

func syncProjectFiles(cache *SyncStateStore, projectID, storagePath string,
	remoteSize func(objectName string) (int64, error),
	upload func(localPath, objectName string) (string, error)) (uploaded, skipped int, err error) {

	// 先让缓存自检：清掉已消失的文件，拿到指纹变化的清单
	changed := cache.RefreshProjectCache(projectID, storagePath)
	changedSet := make(map[string]bool, len(changed))
	for _, p := range changed {
		changedSet[p] = true
	}

	walkErr := filepath.Walk(storagePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			// 归档区不同步
			if info.Name() == "archive" {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, err := filepath.Rel(storagePath, path)
		if err != nil {
			return err
		}

		if !cache.IsFileChanged(projectID, relPath, path) {
			skipped++
			return nil
		}

		objectName := fmt.Sprintf("projects/%s/%s", projectID, filepath.ToSlash(relPath))
		if changedSet[relPath] {
			// 指纹变化常见于 mtime 被动刷新，内容未必真变了
			if size, statErr := remoteSize(objectName); statErr == nil && size == info.Size() {
				log.Printf("同步: %s 远端副本大小一致，只刷新指纹", relPath)
				cache.RecordSynced(projectID, relPath, path, objectName)
				skipped++
				return nil
			}
		}

		if _, err := upload(path, objectName); err != nil {
			log.Printf("同步 %s 失败（继续）: %v", relPath, err)
			return nil
		}
		cache.RecordSynced(projectID, relPath, path, objectName)
		uploaded++
		return nil
	})
	if walkErr != nil {
		return uploaded, skipped, walkErr
	}

	if err := cache.Save(); err != nil {
		log.Printf("同步缓存快照写入失败: %v", err)
	}
	log.Printf("项目 %s 同步完成: 上传 %d, 跳过 %d", projectID, uploaded, skipped)
	return uploaded, skipped, nil
}
