package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ws-frame-relay/internal/capture"
	"ws-frame-relay/internal/encode"
	"ws-frame-relay/internal/registry"
	"ws-frame-relay/internal/server"
	"ws-frame-relay/pkg/config"

	"github.com/spf13/pflag"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.Flags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	reg := registry.New(capture.NewSchemeOpener(), registry.Config{
		Options: capture.Options{
			BufferSize:    cfg.CaptureBufferSize,
			FrameRate:     cfg.TargetFrameRate,
			RTSPTransport: cfg.RtspTransport,
		},
		DrainGrabs:   cfg.DrainGrabs,
		OpenTimeout:  cfg.OpenTimeout,
		CloseTimeout: cfg.CloseTimeout,
	})
	encoder := encode.NewEncoder(cfg.ResizeFilter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, reg, encoder)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("[WS] server stopped: %v", err)
	}
	log.Println("[WS] shut down")
}
