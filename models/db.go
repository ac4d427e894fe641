package models

import (
	"database/sql"
	"fmt"
	"io/ioutil"
	"log"
	"strings"
	"time"

	"PetVideoBatch-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/PetVideoBatch.sql）
	b, err := ioutil.ReadFile("doc/sql/PetVideoBatch.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	sqls := strings.Split(string(b), ";")
	for _, s := range sqls {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// BatchTask 查询 (Native SQL)

func GetBatchTaskByID(id string) (BatchTask, error) {
	var t BatchTask
	row := DB.QueryRow(`SELECT id, table_id, record_id, template_id, opening_image_url, scene_prompt, storage_path, status,
		storyboard_json, segment_urls, segment_history, total_segments, current_segment, progress, error_message, final_video_url, created_at, updated_at
		FROM batch_task WHERE id = ?`, id)

	var storyboardBytes, urlsBytes, historyBytes []byte
	var createdAt, updatedAt sql.NullTime
	var errMsgNull, finalURLNull sql.NullString

	if err := row.Scan(&t.ID, &t.TableID, &t.RecordID, &t.TemplateID, &t.OpeningImageURL, &t.ScenePrompt, &t.StoragePath, &t.Status,
		&storyboardBytes, &urlsBytes, &historyBytes, &t.TotalSegments, &t.CurrentSegment, &t.Progress, &errMsgNull, &finalURLNull, &createdAt, &updatedAt); err != nil {
		return t, err
	}

	if errMsgNull.Valid {
		t.ErrorMessage = errMsgNull.String
	}
	if finalURLNull.Valid {
		t.FinalVideoURL = finalURLNull.String
	}

	_ = t.Storyboard.Scan(storyboardBytes)
	_ = t.SegmentURLs.Scan(urlsBytes)
	_ = t.SegmentHistory.Scan(historyBytes)

	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		t.UpdatedAt = updatedAt.Time
	}
	return t, nil
}

func ListBatchTasks(limit int) ([]BatchTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := DB.Query(`SELECT id FROM batch_task ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	var res []BatchTask
	for _, id := range ids {
		t, err := GetBatchTaskByID(id)
		if err != nil {
			log.Printf("读取任务 %s 失败: %v", id, err)
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

// UpdateBatchTaskFields 动态构建更新字段，只更新传入的列，updated_at 总是刷新
func UpdateBatchTaskFields(id string, fields map[string]interface{}) error {
	sets := []string{}
	args := []interface{}{}
	for col, v := range fields {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if len(sets) == 0 {
		// 仅更新时间戳
		_, err := DB.Exec(`UPDATE batch_task SET updated_at = ? WHERE id = ?`, time.Now(), id)
		return err
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now())

	query := fmt.Sprintf("UPDATE batch_task SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)

	_, err := DB.Exec(query, args...)
	return err
}

func DeleteBatchTaskByID(id string) error {
	_, err := DB.Exec(`DELETE FROM batch_task WHERE id = ?`, id)
	return err
}
