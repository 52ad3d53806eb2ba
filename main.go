// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"lumen/cmd"
	"lumen/internal/analysis"
	"lumen/internal/capture"
	"lumen/internal/config"
	"lumen/internal/link"
	applog "lumen/internal/log"
	"lumen/internal/mirror"
	"lumen/internal/server"
	"lumen/internal/tui"
	"lumen/pkg/build"
)

func main() {
	build.Initialize()

	inv, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		applog.Fatalf("%v", err)
	}
	if inv.Command == "" {
		// Help or version output was all that was asked.
		return
	}

	if level, ok := applog.ParseLevel(inv.Config.LogLevel); ok {
		applog.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch inv.Command {
	case "cast":
		err = runCast(ctx, inv)
	case "serve":
		err = runServe(ctx, inv.Config)
	case "list":
		err = runList()
	}
	if err != nil {
		applog.Fatalf("%s: %v", inv.Command, err)
	}
}

// runCast wires the capture path: the PortAudio engine feeding the
// analyzer, the analyzer's frame cell feeding the coordinator link,
// with the optional meter and WAV recording alongside.
func runCast(ctx context.Context, inv *cmd.Invocation) error {
	cfg := inv.Config

	// Two schedulable threads: the analysis loop is time-critical, the
	// link and UI share the other.
	runtime.GOMAXPROCS(2)

	if err := capture.Initialize(); err != nil {
		return err
	}
	defer capture.Terminate()

	engine, err := capture.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.StartInputStream(); err != nil {
		return err
	}

	if cfg.Recording.Enabled {
		path, err := capture.RecordingPath(cfg.Recording.OutputDir)
		if err != nil {
			return err
		}
		if err := engine.StartRecording(path); err != nil {
			return err
		}
		applog.Infof("Cast: recording to %s", path)
		defer func() {
			if err := engine.StopRecording(); err != nil {
				applog.Errorf("Cast: stopping recording: %v", err)
				return
			}
			fmt.Printf("Recording saved to %s\n", path)
		}()
	}

	analyzer, err := analysis.NewAnalyzer(cfg, engine)
	if err != nil {
		return err
	}
	analyzer.Start()
	defer analyzer.Stop()

	lnk, err := link.New(cfg.Link, analyzer.Cell())
	if err != nil {
		return err
	}

	if !inv.TUI {
		applog.Infof("Cast: streaming to %s", cfg.Link.ServerURL)
		return lnk.Run(ctx)
	}

	// The meter owns the terminal while it runs; routine logging would
	// scribble over it.
	applog.SetLevel(applog.LevelError)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lnk.Run(gctx)
	})
	g.Go(func() error {
		// Quitting the meter ends the cast.
		defer cancel()
		return tui.StartMeterUI(gctx, analyzer.Cell().Sample, lnk.Info)
	})
	return g.Wait()
}

// runServe runs the coordinator, with the optional UDP state mirror
// reading the registry's audio state.
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	if cfg.Mirror.Enabled {
		pub, err := mirror.NewPublisher(cfg.Mirror, srv.AudioState)
		if err != nil {
			return err
		}
		pub.Start()
		defer pub.Close()
	}

	return srv.Run(ctx)
}

// runList prints the host's capture devices.
func runList() error {
	if err := capture.Initialize(); err != nil {
		return err
	}
	defer capture.Terminate()

	devices, err := capture.HostDevices()
	if err != nil {
		return err
	}
	fmt.Print(tui.RenderDevices(devices))
	return nil
}
