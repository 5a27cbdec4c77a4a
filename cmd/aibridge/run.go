package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aibridge/pkg/bridge"
	"aibridge/pkg/logger"
	"aibridge/pkg/models"
	tracing "aibridge/pkg/observability"
)

func runCmd() *cobra.Command {
	var buffer int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the bridge and pipe messages through stdin/stdout",
		Long: `Join the bridge as leader or follower. Every line on stdin must be a JSON
message {"type": ..., "data": ...} and is published to the other instances.
Every message received from the bridge is written to stdout as one JSON line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log, err := logger.Init(logger.Config{
				Level:      cfg.Logging.Level,
				Encoding:   cfg.Logging.Encoding,
				OutputPath: cfg.Logging.Output,
				Service:    "aibridge",
			})
			if err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			defer logger.Sync()

			identity := bridge.NewIdentity()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			traceCfg := tracing.DefaultConfig("aibridge")
			traceCfg.Enabled = cfg.Tracing.Enabled
			traceCfg.Endpoint = cfg.Tracing.Endpoint
			traceCfg.SamplingRate = cfg.Tracing.SamplingRate
			traceCfg.InstanceID = identity.InstanceID
			provider, err := tracing.Init(ctx, traceCfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = provider.Shutdown(shutdownCtx)
			}()

			svc, err := bridge.New(cfg, bridge.WithLogger(log), bridge.WithIdentity(identity))
			if err != nil {
				return err
			}
			sub := svc.Subscribe(buffer)

			if err := svc.Start(ctx); err != nil {
				stopService(svc, log)
				return err
			}
			log.Info("Bridge running", zap.String("role", svc.Role().String()))

			go printMessages(sub, os.Stdout, log)
			go publishLines(os.Stdin, svc, log)

			for {
				select {
				case <-ctx.Done():
					stopService(svc, log)
					return nil
				case err := <-svc.Errors():
					log.Warn("Bridge is unelected until the next message", zap.Error(err))
				}
			}
		},
	}

	cmd.Flags().IntVar(&buffer, "buffer", 256, "Messages to buffer for stdout before dropping")
	return cmd
}

func stopService(svc *bridge.Service, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		log.Warn("Unclean stop", zap.Error(err))
	}
}

func printMessages(sub *bridge.Subscription, w io.Writer, log *zap.Logger) {
	enc := json.NewEncoder(w)
	for msg := range sub.C {
		if err := enc.Encode(msg); err != nil {
			log.Error("Failed to write message", zap.Error(err))
			return
		}
	}
}

func publishLines(r io.Reader, svc *bridge.Service, log *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := models.Decode(line)
		if err != nil {
			log.Warn("Skipping invalid input line", zap.Error(err))
			continue
		}
		if err := svc.Publish(msg); err != nil {
			if errors.Is(err, bridge.ErrNotConnected) {
				log.Warn("Not connected, message dropped; rejoining", zap.String("type", msg.Type))
				continue
			}
			log.Warn("Publish failed", zap.String("type", msg.Type), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("Failed to read stdin", zap.Error(err))
	}
}
