package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"
)

// Smoke harness for the metering proxy. It mints (or reuses) a caller token,
// fires N concurrent streaming and non-streaming requests at /v1/messages,
// and prints a latency/usage summary. Exits non-zero when any request fails.
func main() {
	logger, err := glog.NewConsoleWithName("metering-proxy-test", glog.LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("smoke run failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("all smoke requests passed")
}

func run(ctx context.Context, logger glog.Logger) error {
	harness, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	logger.Info("starting smoke sweep",
		zap.String("base_url", harness.APIBase),
		zap.String("model", harness.Model),
		zap.Int("requests_per_variant", harness.Requests),
		zap.Int("concurrency", harness.Concurrency),
	)

	httpClient := &http.Client{Timeout: requestTimeout}
	resultsCh := make(chan testResult, len(requestVariants)*harness.Requests)

	var (
		results   []testResult
		collectWg sync.WaitGroup
	)
	collectWg.Go(func() {
		for res := range resultsCh {
			results = append(results, res)
			if res.Success {
				logger.Info("request succeeded",
					zap.String("variant", res.Label),
					zap.Duration("duration", res.Duration),
					zap.Duration("first_event", res.FirstEvent),
					zap.Int("status", res.StatusCode),
					zap.Int("input_tokens", res.InputTokens),
					zap.Int("output_tokens", res.OutputTokens),
				)
				continue
			}
			logger.Warn("request failed",
				zap.String("variant", res.Label),
				zap.Duration("duration", res.Duration),
				zap.Int("status", res.StatusCode),
				zap.String("error", res.ErrorReason),
				zap.String("response_body", res.ResponseBody),
			)
		}
	})

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(harness.Concurrency)
	for _, variant := range requestVariants {
		for i := 0; i < harness.Requests; i++ {
			grp.Go(func() error {
				res := performRequest(grpCtx, httpClient, harness, variant)
				select {
				case resultsCh <- res:
				case <-grpCtx.Done():
				}
				return nil
			})
		}
	}

	_ = grp.Wait()
	close(resultsCh)
	collectWg.Wait()

	rep := buildReport(requestVariants, results)
	renderReport(rep)

	if rep.failedCount > 0 {
		return errors.Errorf("%d of %d requests failed", rep.failedCount, rep.totalRequests)
	}

	return nil
}
