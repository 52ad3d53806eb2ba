// SPDX-License-Identifier: MIT
//
// Package cmd parses the command line: three subcommands (cast, serve,
// list) over a shared YAML configuration, with explicit flags
// overriding the file.
package cmd

import (
	"github.com/spf13/cobra"

	"lumen/internal/config"
	"lumen/pkg/build"
)

// Invocation is the parsed command line: which subcommand to run and
// the configuration it resolved.
type Invocation struct {
	Command string
	Config  *config.Config
	TUI     bool
}

// ParseArgs builds the CLI, executes it against args and returns the
// resulting invocation. Flags the operator set explicitly override the
// file configuration; everything else keeps the file or default value.
// An empty Command means help or version output was all that was asked.
func ParseArgs(args []string) (*Invocation, error) {
	buildInfo := build.GetBuildFlags()

	inv := &Invocation{}
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         "Audio analysis source and visualization coordinator",
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "",
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error")

	// load resolves the file configuration plus the shared flags.
	load := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	var (
		deviceID        int
		channels        int
		sampleRate      float64
		framesPerBuffer int
		lowLatency      bool
		record          bool
		outputDir       string
		tuiMode         bool
		serverURL       string
		connectCode     string
		displayName     string
		frameRate       int
	)
	castCmd := &cobra.Command{
		Use:   "cast",
		Short: "Capture and analyze audio, streaming frames to a coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("device") {
				cfg.Audio.InputDevice = deviceID
			}
			if flags.Changed("channels") {
				cfg.Audio.Channels = channels
			}
			if flags.Changed("sample-rate") {
				cfg.Audio.SampleRate = sampleRate
			}
			if flags.Changed("frames-per-buffer") {
				cfg.Audio.FramesPerBuffer = framesPerBuffer
			}
			if flags.Changed("low-latency") {
				cfg.Audio.LowLatency = lowLatency
			}
			if flags.Changed("server-url") {
				cfg.Link.ServerURL = serverURL
			}
			if flags.Changed("code") {
				cfg.Link.ConnectCode = connectCode
			}
			if flags.Changed("name") {
				cfg.Link.DisplayName = displayName
			}
			if flags.Changed("frame-rate") {
				cfg.Link.FrameRate = frameRate
			}
			if flags.Changed("record") {
				cfg.Recording.Enabled = record
			}
			if flags.Changed("output-dir") {
				cfg.Recording.OutputDir = outputDir
			}
			// Overrides can break invariants the file satisfied.
			if err := cfg.Validate(); err != nil {
				return err
			}
			inv.Command = "cast"
			inv.Config = cfg
			inv.TUI = tuiMode
			return nil
		},
	}

	// Audio device configuration
	castCmd.Flags().IntVarP(&deviceID, "device", "d", config.MinDeviceID,
		"Input device ID; use the list command to see available devices")
	castCmd.Flags().IntVarP(&channels, "channels", "c", 1,
		"Number of capture channels (1=mono, 2=stereo)")
	castCmd.Flags().Float64VarP(&sampleRate, "sample-rate", "s", 44100,
		"Sample rate, measured in Hertz (Hz)")
	castCmd.Flags().IntVarP(&framesPerBuffer, "frames-per-buffer", "b", 1024,
		"Frames per buffer, a power of two (affects latency)")
	castCmd.Flags().BoolVarP(&lowLatency, "low-latency", "l", true,
		"Request low latency settings from the device")

	// Coordinator link configuration
	castCmd.Flags().StringVarP(&serverURL, "server-url", "u", "ws://127.0.0.1:8080/ws/source",
		"Coordinator websocket URL")
	castCmd.Flags().StringVar(&connectCode, "code", "",
		"Single-use connect code issued by the coordinator")
	castCmd.Flags().StringVarP(&displayName, "name", "n", "",
		"Display name shown to the coordinator operator")
	castCmd.Flags().IntVar(&frameRate, "frame-rate", 60,
		"Outbound analysis frames per second")

	// Recording and display configuration
	castCmd.Flags().BoolVarP(&record, "record", "r", false,
		"Record the raw capture to a WAV file")
	castCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "./recordings",
		"Directory for WAV recordings")
	castCmd.Flags().BoolVarP(&tuiMode, "tui", "t", false,
		"Show the live meter while casting")

	rootCmd.AddCommand(castCmd)

	var (
		listenAddr   string
		pattern      string
		adminToken   string
		historyOn    bool
		mirrorOn     bool
		mirrorTarget string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: sessions, pattern engine and broadcast fanout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Server.ListenAddr = listenAddr
			}
			if flags.Changed("pattern") {
				cfg.Server.Pattern = pattern
			}
			if flags.Changed("admin-token") {
				cfg.Server.AdminToken = adminToken
			}
			if flags.Changed("history") {
				cfg.History.Enabled = historyOn
			}
			if flags.Changed("mirror") {
				cfg.Mirror.Enabled = mirrorOn
			}
			if flags.Changed("mirror-target") {
				cfg.Mirror.Target = mirrorTarget
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			inv.Command = "serve"
			inv.Config = cfg
			return nil
		},
	}

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "a", ":8080",
		"Address for the HTTP and websocket listener")
	serveCmd.Flags().StringVarP(&pattern, "pattern", "p", "pulse",
		"Pattern active at startup")
	serveCmd.Flags().StringVar(&adminToken, "admin-token", "",
		"Bearer token required on mutating admin routes")
	serveCmd.Flags().BoolVar(&historyOn, "history", false,
		"Record session and pattern events to SQLite")
	serveCmd.Flags().BoolVar(&mirrorOn, "mirror", false,
		"Mirror the audio state over UDP")
	serveCmd.Flags().StringVar(&mirrorTarget, "mirror-target", "127.0.0.1:9090",
		"UDP target for the state mirror")

	rootCmd.AddCommand(serveCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			inv.Command = "list"
			inv.Config = cfg
			return nil
		},
	}
	rootCmd.AddCommand(listCmd)

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}

	return inv, nil
}
