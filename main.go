package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"PetVideoBatch-server/config"
	"PetVideoBatch-server/models"
	"PetVideoBatch-server/routers"
	"PetVideoBatch-server/routers/api"
	"PetVideoBatch-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	cfg := config.AppConfig
	p := cfg.Pipeline

	store := models.NewTaskStore(models.GormDB, p.HistoryCap)
	locks := service.NewLockManager(map[string]time.Duration{
		service.OpGenerateSegment:    time.Duration(p.LockGenerateSegmentSec) * time.Second,
		service.OpGenerateStoryboard: time.Duration(p.LockStoryboardSec) * time.Second,
		service.OpCascadeRedo:        time.Duration(p.LockCascadeRedoSec) * time.Second,
		service.OpMergeVideos:        time.Duration(p.LockMergeSec) * time.Second,
	})
	paths := service.NewPathResolver(store, cfg.Storage.Root)
	archive := service.NewArchiveService(store)
	extractor := service.NewFFmpegExtractor()

	engine := service.NewSegmentEngine(store, locks, archive, service.NewProviderFromConfig(), extractor)
	engine.PollBudget = p.PollBudget
	engine.FastAttempts = p.FastAttempts
	engine.FastInterval = time.Duration(p.FastIntervalSec) * time.Second
	engine.SlowInterval = time.Duration(p.SlowIntervalSec) * time.Second
	if cfg.Sheet.AppToken != "" {
		engine.Mirror = service.NewSheetClient(cfg.Sheet.BaseURL, cfg.Sheet.AppToken,
			cfg.Sheet.TableID, cfg.Sheet.APIKey, cfg.Sheet.RateLimit)
	}

	merge := service.NewMergeService(store, locks, extractor)
	merge.Upload = service.UploadFinalVideo

	jobs := service.NewJobStore(filepath.Join(cfg.Storage.Root, "jobs_snapshot.json"), 200)
	jobs.LoadSnapshot()

	syncCache := service.NewSyncStateStore(filepath.Join(cfg.Storage.Root, "sync_state.json"))
	if err := syncCache.Load(); err != nil {
		fmt.Println("sync cache load failed:", err)
	}

	processor := service.NewProcessor(engine, merge, jobs)
	processor.StartProcessor(cfg.Worker.Concurrency)

	// 退出前落盘任务登记与同步缓存
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = jobs.SaveSnapshot()
		_ = syncCache.Save()
		os.Exit(0)
	}()

	srv := &api.Server{
		Store:      store,
		Locks:      locks,
		Paths:      paths,
		Engine:     engine,
		Jobs:       jobs,
		Sync:       syncCache,
		StaleAfter: time.Duration(p.StaleSec) * time.Second,
	}
	r := routers.InitRouter(srv)
	r.Run(config.AppConfig.Server.Port)
}
