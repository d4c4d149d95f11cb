package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/services"
	"sessioncast/internal/infrastructure/monitoring"
	"sessioncast/internal/infrastructure/repositories/sqlite"
	"sessioncast/internal/infrastructure/storage"
	"sessioncast/pkg/config"
	"sessioncast/pkg/logger"
)

const chunkSize = 256 << 10

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	inputPath := flag.String("input", "-", "media input file, or - for stdin")
	testLinkID := flag.String("link", "", "test link the session is created from")
	resumeID := flag.String("resume", "", "session id to resume after an interrupted run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *testLinkID == "" && *resumeID == "" {
		log.Fatal("either -link or -resume is required")
	}

	queue, err := sqlite.NewChunkQueue(cfg.Upload.QueuePath)
	if err != nil {
		log.Fatalw("failed to open upload queue", "path", cfg.Upload.QueuePath, "error", err)
	}
	defer queue.Close()

	gateway := storage.NewGatewayClient(cfg.Storage.BaseURL, 15*time.Second)
	transfer := storage.NewHTTPTransfer(30 * time.Second)
	collector := monitoring.NewCollector()

	captureService := services.NewCaptureService(queue, gateway, collector, log)
	uploadService := services.NewUploadService(queue, gateway, transfer, collector, services.UploadConfig{
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		MaxRetries:    cfg.Upload.MaxRetries,
		Schedule:      cfg.Upload.RetrySchedule,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := services.CaptureProfile{
		Container:   cfg.Capture.Container,
		Codec:       cfg.Capture.Codec,
		ContentType: cfg.Capture.ContentType,
		Width:       cfg.Capture.Width,
		Height:      cfg.Capture.Height,
	}

	var sessionID domain.SessionID
	if *resumeID != "" {
		sessionID = domain.SessionID(*resumeID)
		if err := captureService.ResumeCapture(ctx, sessionID, profile); err != nil {
			log.Fatalw("failed to resume capture", "session_id", sessionID, "error", err)
		}
		log.Infow("resumed capture", "session_id", sessionID)
	} else {
		session, err := gateway.CreateSession(ctx, *testLinkID)
		if err != nil {
			log.Fatalw("failed to create session", "error", err)
		}
		sessionID = session.ID
		if err := captureService.StartCapture(ctx, sessionID, profile); err != nil {
			log.Fatalw("failed to start capture", "session_id", sessionID, "error", err)
		}
		log.Infow("session created", "session_id", sessionID)
	}

	// Retention keeps the queue bounded across long runs: purge delivered
	// rows, requeue failed ones that have not hit the ceiling.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if cfg.Upload.SweepInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.Upload.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := queue.Sweep(ctx, sessionID, cfg.Upload.RetentionAge, cfg.Upload.RetryCeiling)
				if err != nil {
					log.Warnw("queue sweep failed", "session_id", sessionID, "error", err)
					continue
				}
				if result.PurgedUploaded+result.PurgedFailed+result.Requeued > 0 {
					log.Infow("queue sweep",
						"session_id", sessionID,
						"purged_uploaded", result.PurgedUploaded,
						"purged_failed", result.PurgedFailed,
						"requeued", result.Requeued,
					)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := uploadService.Run(ctx, sessionID, func(p services.Progress) {
			log.Infow("upload progress",
				"session_id", sessionID,
				"uploaded", p.UploadedParts,
				"failed", p.FailedParts,
				"total", p.TotalParts,
			)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("upload run failed", "session_id", sessionID, "error", err)
		}
	}()

	if err := captureInput(ctx, captureService, sessionID, *inputPath, log); err != nil {
		log.Errorw("capture ended with error", "session_id", sessionID, "error", err)
	}

	if err := captureService.StopCapture(ctx, sessionID); err != nil {
		log.Errorw("failed to stop capture", "session_id", sessionID, "error", err)
	}

	// Let the drain finish delivering whatever capture produced, then run
	// once more in case the first run raced the final chunks.
	wg.Wait()
	if ctx.Err() == nil {
		if err := uploadService.Run(ctx, sessionID, nil); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("final upload pass failed", "session_id", sessionID, "error", err)
		}
	}

	finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manifest, receipt, err := captureService.Finalize(finalizeCtx, sessionID)
	if err != nil {
		log.Errorw("failed to finalize session", "session_id", sessionID, "error", err)
	} else {
		log.Infow("session finalized",
			"session_id", sessionID,
			"total_parts", manifest.TotalParts,
			"total_bytes", manifest.TotalBytes,
			"derived_segments", receipt.DerivedSegmentCount,
		)
	}

	uploadService.Abort(sessionID)
	captureService.Destroy(sessionID)
	stop()
	<-sweepDone
}

// captureInput reads the media source in fixed-size chunks and hands each
// one to the capture service, which assigns indexes and persists them.
func captureInput(ctx context.Context, capture *services.CaptureService, sessionID domain.SessionID, path string, log *zap.SugaredLogger) error {
	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(src, buf)
		if n > 0 {
			index, appendErr := capture.AppendChunk(ctx, sessionID, buf[:n])
			if appendErr != nil {
				return appendErr
			}
			log.Infow("chunk captured", "session_id", sessionID, "part_index", index, "bytes", n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}
