package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chat-relay/internal/config"
	"chat-relay/internal/httpapi"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/observability"
	"chat-relay/internal/ratelimit"
	"chat-relay/internal/repository"
	"chat-relay/internal/session"
	"chat-relay/internal/usecase"
)

const (
	janitorInterval = time.Minute
	paramCacheTTL   = 15 * time.Minute
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Relay    *usecase.RelayService
	Sessions *session.Store
	Limiter  *ratelimit.Limiter
	Metrics  *observability.Metrics

	// Cleanup releases the transcript backend.
	Cleanup func() error
}

// Deps overrides the clients Build would otherwise create from the AWS
// default config. Tests use it to run without credentials.
type Deps struct {
	SSM    paramstore.API
	Dynamo repository.DynamoAPI
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := loadAWSClients(ctx, cfg, &deps); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	transcripts, err := repository.NewTranscriptStore(ctx, repository.Options{
		Dynamo:      deps.Dynamo,
		Table:       cfg.TranscriptTable,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	clientOpts := []openai.Option{
		openai.WithBaseURL(cfg.UpstreamURL),
		openai.WithAPIKey(cfg.APIKey),
		openai.WithTimeouts(cfg.UpstreamTimeout, cfg.StreamTimeout),
		openai.WithTemperature(cfg.Temperature),
	}
	if deps.SSM != nil {
		params, err := paramstore.New(deps.SSM, paramstore.WithCacheTTL(paramCacheTTL))
		if err != nil {
			_ = transcripts.Close()
			return nil, fmt.Errorf("failed to create SSM client: %w", err)
		}
		clientOpts = append(clientOpts, openai.WithParamStore(params, cfg.ParamPrefix))
	}
	llm := usecase.NewOpenAILLM(openai.NewClient(clientOpts...))

	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow)
	var sessions *session.Store
	sessions = session.NewStore(cfg.MaxTurns, session.WithEvictHook(func(key string) {
		limiter.Reset(key)
		metrics.SetActiveSessions(sessions.Len())
		logger.Debug("session evicted", "session_id", key)
	}))

	relay, err := usecase.NewRelayService(llm, sessions, limiter, usecase.Config{
		Model:         cfg.Model,
		VisionModel:   cfg.VisionModel,
		MaxMessageLen: cfg.MaxMessageLength,
		MaxImageBytes: cfg.MaxImageBytes,
	},
		usecase.WithMetrics(metrics),
		usecase.WithLogger(logger),
		usecase.WithTranscripts(transcripts, repository.NewEntry),
	)
	if err != nil {
		_ = transcripts.Close()
		return nil, fmt.Errorf("relay service init failed: %w", err)
	}

	return &BuildResult{
		Config:   cfg,
		API:      httpapi.New(cfg, relay, metrics, logger),
		Relay:    relay,
		Sessions: sessions,
		Limiter:  limiter,
		Metrics:  metrics,
		Cleanup:  transcripts.Close,
	}, nil
}

// StartBackground evicts idle sessions and sweeps stale rate windows until ctx
// is done.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, b.Config.SessionIdleTTL, janitorInterval)

	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Limiter.Sweep()
			}
		}
	}()
}

func loadAWSClients(ctx context.Context, cfg config.Config, deps *Deps) error {
	needSSM := deps.SSM == nil && cfg.APIKey == "" && strings.TrimSpace(cfg.ParamPrefix) != ""
	needDynamo := deps.Dynamo == nil && strings.TrimSpace(cfg.TranscriptTable) != ""
	if !needSSM && !needDynamo {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	if needSSM {
		deps.SSM = awsssm.NewFromConfig(awsCfg)
	}
	if needDynamo {
		deps.Dynamo = awsdynamodb.NewFromConfig(awsCfg)
	}
	return nil
}
