package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Storage struct {
		// 项目文件根目录，实际项目目录为 {root}/projects/{date}/{template}/{project_id}
		Root string `yaml:"root"`
	} `yaml:"storage"`
	Provider struct {
		// 默认视频生成渠道: vector_engine | zhipu
		Default      string `yaml:"default"`
		VectorEngine struct {
			BaseURL string `yaml:"base_url"`
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
		} `yaml:"vector_engine"`
		Zhipu struct {
			BaseURL string `yaml:"base_url"`
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
		} `yaml:"zhipu"`
	} `yaml:"provider"`
	Sheet struct {
		BaseURL   string `yaml:"base_url"`
		AppToken  string `yaml:"app_token"`
		TableID   string `yaml:"table_id"`
		APIKey    string `yaml:"api_key"`
		RateLimit int    `yaml:"rate_limit"` // 每分钟请求上限
	} `yaml:"sheet"`
	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`
	Pipeline struct {
		// generating_* 状态超过该秒数视为过期，按数据重新推导展示状态
		StaleSec int `yaml:"stale_sec"`
		// 分段锁超时（秒），按操作类型区分
		LockGenerateSegmentSec int `yaml:"lock_generate_segment_sec"`
		LockStoryboardSec      int `yaml:"lock_storyboard_sec"`
		LockCascadeRedoSec     int `yaml:"lock_cascade_redo_sec"`
		LockMergeSec           int `yaml:"lock_merge_sec"`
		// 渠道轮询：前 fast_attempts 次间隔 fast_interval_sec，之后 slow_interval_sec，总预算 poll_budget 次
		PollBudget      int `yaml:"poll_budget"`
		FastAttempts    int `yaml:"fast_attempts"`
		FastIntervalSec int `yaml:"fast_interval_sec"`
		SlowIntervalSec int `yaml:"slow_interval_sec"`
		// 每段历史归档条数上限，超出丢弃最旧
		HistoryCap int `yaml:"history_cap"`
	} `yaml:"pipeline"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	AppConfig.ApplyDefaults()
}

// ApplyDefaults 填充未配置项的默认值
func (c *Config) ApplyDefaults() {
	p := &c.Pipeline
	if p.StaleSec == 0 {
		p.StaleSec = 900
	}
	if p.LockGenerateSegmentSec == 0 {
		p.LockGenerateSegmentSec = 600
	}
	if p.LockStoryboardSec == 0 {
		p.LockStoryboardSec = 120
	}
	if p.LockCascadeRedoSec == 0 {
		p.LockCascadeRedoSec = 60
	}
	if p.LockMergeSec == 0 {
		p.LockMergeSec = 300
	}
	if p.PollBudget == 0 {
		p.PollBudget = 120
	}
	if p.FastAttempts == 0 {
		p.FastAttempts = 10
	}
	if p.FastIntervalSec == 0 {
		p.FastIntervalSec = 1
	}
	if p.SlowIntervalSec == 0 {
		p.SlowIntervalSec = 3
	}
	if p.HistoryCap == 0 {
		p.HistoryCap = 10
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Sheet.RateLimit == 0 {
		c.Sheet.RateLimit = 100
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "storage"
	}
}
