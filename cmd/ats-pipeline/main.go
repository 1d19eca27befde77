package main

import (
	"ats-pipeline-go/internal/api/handler"
	"ats-pipeline-go/internal/api/router"
	"ats-pipeline-go/internal/config"
	"ats-pipeline-go/internal/llm"
	appLogger "ats-pipeline-go/internal/logger"
	"ats-pipeline-go/internal/notify"
	"ats-pipeline-go/internal/outbox"
	"ats-pipeline-go/internal/parser"
	"ats-pipeline-go/internal/processor"
	"ats-pipeline-go/internal/queue"
	"ats-pipeline-go/internal/storage"
	"ats-pipeline-go/internal/tracing"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

var serviceName = "ats-pipeline" //nolint:gochecknoglobals

// @title ATS Pipeline API
// @version 1.0
// @description 简历异步解析与AI评分服务
// @BasePath /api/v1
func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("加载配置失败")
	}

	appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	glog.SetLogger(hertzadapter.From(appLogger.Logger))
	appLogger.Info().Str("service", serviceName).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracerProvider(ctx, &cfg.Tracing)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	appLogger.Info().Msg("存储服务初始化成功")

	// 运维通知走独立的通知交换机
	if err := declareNotifyTopology(cfg, storageManager); err != nil {
		appLogger.Fatal().Err(err).Msg("声明通知队列拓扑失败")
	}
	notifier := notify.NewOperatorNotifier(storageManager.RabbitMQ, cfg.RabbitMQ.NotifyExchange, cfg.RabbitMQ.NotifyRoutingKey, appLogger.Logger)

	parseQueue := queue.NewParseTaskQueue(storageManager.RabbitMQ, cfg, notifier)
	if err := parseQueue.DeclareTopology(); err != nil {
		appLogger.Fatal().Err(err).Msg("声明任务队列拓扑失败")
	}
	appLogger.Info().Msg("队列拓扑就绪")

	messageRelay := outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, appLogger.Logger)
	messageRelay.Start()

	chatModel, err := llm.NewRotatingChatModel(
		cfg.AI.APIURL,
		cfg.AI.Model,
		cfg.AI.APIKeys,
		config.GetDuration(cfg.AI.Timeout, 90*time.Second),
		llm.WithQPMLimit(cfg.AI.QPM),
		llm.WithFailoverNotifier(notifier),
		llm.WithSampling(cfg.AI.Temperature, cfg.AI.MaxTokens),
	)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化AI对话模型失败")
	}
	appLogger.Info().Int("credentials", chatModel.CredentialCount()).Str("model", cfg.AI.Model).Msg("AI对话模型初始化成功")

	var extractorOptions []parser.TextExtractorOption
	if cfg.Tika.ServerURL != "" {
		extractorOptions = append(extractorOptions, parser.WithTikaServer(cfg.Tika.ServerURL))
		if cfg.Tika.TimeoutSeconds > 0 {
			extractorOptions = append(extractorOptions, parser.WithExtractorTimeout(time.Duration(cfg.Tika.TimeoutSeconds)*time.Second))
		}
		appLogger.Info().Str("server", cfg.Tika.ServerURL).Msg("使用Tika文本提取")
	} else {
		appLogger.Info().Msg("使用本地PDF文本提取")
	}
	textExtractor, err := parser.NewResumeTextExtractor(ctx, appLogger.Logger, extractorOptions...)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化文本提取器失败")
	}

	profileExtractor := parser.NewProfileExtractor(chatModel, appLogger.Logger,
		parser.WithMaxResumeChars(cfg.Pipeline.MaxResumeChars),
	)

	parseWorker, err := processor.NewParseWorker(
		storageManager.MySQL,
		storageManager.MinIO,
		textExtractor,
		profileExtractor,
		appLogger.Logger,
		processor.WithProgressCache(storageManager.Redis),
		processor.WithTaskLock(storageManager.Redis, config.GetDuration(cfg.Queue.LockTTL, 5*time.Minute)),
		processor.WithMinTextLength(cfg.Pipeline.MinTextLength),
	)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("初始化解析工作器失败")
	}

	if _, err := parseQueue.StartConsumer(storageManager.RabbitMQ, parseWorker.ProcessCandidate); err != nil {
		appLogger.Fatal().Err(err).Msg("启动解析任务消费者失败")
	}
	appLogger.Info().Int("prefetch", cfg.RabbitMQ.PrefetchCount).Msg("解析任务消费者已启动")

	candidateHandler := handler.NewCandidateHandler(cfg, storageManager.MySQL, storageManager.MinIO, storageManager.Redis)

	serverTracer, serverTracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		serverTracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(hertztracing.ServerMiddleware(serverTracerCfg))
	router.RegisterRoutes(h, cfg, candidateHandler)
	appLogger.Info().Str("address", cfg.Server.Address).Msg("HTTP服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			appLogger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info().Msg("接收到终止信号，正在优雅退出")

	messageRelay.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("链路追踪关闭失败")
	}
	appLogger.Info().Msg("优雅退出完成")
}

// declareNotifyTopology 声明运维通知的交换机与队列
func declareNotifyTopology(cfg *config.Config, storageManager *storage.Storage) error {
	mq := cfg.RabbitMQ
	if err := storageManager.RabbitMQ.EnsureExchange(mq.NotifyExchange, "direct", true); err != nil {
		return err
	}
	if err := storageManager.RabbitMQ.EnsureQueue(mq.NotifyQueue, true); err != nil {
		return err
	}
	return storageManager.RabbitMQ.BindQueue(mq.NotifyQueue, mq.NotifyExchange, mq.NotifyRoutingKey)
}
