package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatpulse/internal/aggregator"
	"github.com/stellarlinkco/chatpulse/internal/bus"
	"github.com/stellarlinkco/chatpulse/internal/channel"
	"github.com/stellarlinkco/chatpulse/internal/config"
	"github.com/stellarlinkco/chatpulse/internal/gateway"
	"github.com/stellarlinkco/chatpulse/internal/llm"
	"github.com/stellarlinkco/chatpulse/internal/memory"
)

// ReplayOptions for running a replay with custom dependencies
type ReplayOptions struct {
	Input   io.Reader
	Stdout  io.Writer
	Offline bool
	Oracle  llm.Client
	Timeout time.Duration
}

// ReplayResult is printed as JSON once a replay has been fully processed.
type ReplayResult struct {
	Published   int                        `json:"published"`
	Skipped     int                        `json:"skipped"`
	Global      aggregator.GlobalStats     `json:"global"`
	Channels    []aggregator.ChannelStatus `json:"channels"`
	Performance aggregator.Performance     `json:"performance"`
	Report      *aggregator.Report         `json:"report,omitempty"`
}

var rootCmd = &cobra.Command{
	Use:   "chatpulse",
	Short: "chatpulse - group chat memory and health monitor",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + processing + periodic jobs)",
	RunE:  runGateway,
}

var replayCmd = &cobra.Command{
	Use:   "replay [events.jsonl]",
	Short: "Process an exported JSONL chat log and print the resulting status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReplay,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatpulse status",
	RunE:  runStatus,
}

var (
	offlineFlag bool
	timeoutFlag time.Duration
)

func init() {
	replayCmd.Flags().BoolVar(&offlineFlag, "offline", false, "Skip the classifier and use fallbacks only")
	replayCmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Minute, "Maximum time to wait for processing")
	rootCmd.AddCommand(gatewayCmd, replayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" && needsAPIKey(cfg.Provider.Type) {
		return fmt.Errorf("API key not set. Run 'chatpulse onboard' or set CHATPULSE_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runReplay(cmd *cobra.Command, args []string) error {
	opts := ReplayOptions{Offline: offlineFlag, Timeout: timeoutFlag}
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open replay file: %w", err)
		}
		defer f.Close()
		opts.Input = f
	}
	return runReplayWithOptions(opts)
}

// runReplayWithOptions runs a replay with injectable dependencies for testing
func runReplayWithOptions(opts ReplayOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Offline {
		cfg.Provider.Type = config.ProviderOffline
	}
	// Replays never poll live transports.
	cfg.Channels.Telegram.Enabled = false

	input := opts.Input
	if input == nil {
		input = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	b := bus.NewMessageBus(cfg.Gateway.BusSize)
	replay := channel.NewReplayChannel(input, b)
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		Oracle:   opts.Oracle,
		Bus:      b,
		Channels: []channel.Channel{replay},
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return err
	}
	if err := replay.Wait(ctx); err != nil {
		return fmt.Errorf("read replay: %w", err)
	}
	if err := gw.Drain(ctx); err != nil {
		return err
	}

	result := ReplayResult{
		Global:      gw.GetGlobalStatus(),
		Channels:    gw.ChannelStatuses(),
		Performance: gw.Performance(),
	}
	result.Published, result.Skipped = replay.Counts()
	if report, err := gw.ComposeReport(ctx); err == nil {
		result.Report = &report
	} else {
		fmt.Fprintf(os.Stderr, "report warning: %v\n", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfg.DBPath())
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("Data directory ready: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Println("  2. Or set CHATPULSE_API_KEY and CHATPULSE_TELEGRAM_TOKEN")
	fmt.Println("  3. Run 'chatpulse replay --offline < events.jsonl' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Printf("Model: %s\n", cfg.Classifier.Model)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Admins: %d\n", len(cfg.Identity.Admins))
	fmt.Printf("Thresholds: size=%d privileged=%d maxAge=%s\n",
		cfg.Buffer.SizeThreshold, cfg.Buffer.PrivilegedThreshold, cfg.Buffer.MaxAge)

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Memory: not initialized (run 'chatpulse gateway' or 'chatpulse replay')")
		return nil
	}
	engine, err := memory.NewEngine(dbPath)
	if err != nil {
		fmt.Printf("Memory: error (%v)\n", err)
		return nil
	}
	defer engine.Close()

	stats, err := engine.Stats(context.Background())
	if err != nil {
		fmt.Printf("Memory: error (%v)\n", err)
		return nil
	}
	if stats.Memories == 0 {
		fmt.Println("Memory: empty")
	} else {
		fmt.Printf("Memory: %d memories across %d actors\n", stats.Memories, stats.Actors)
	}
	fmt.Printf("Reports: %d\n", stats.Reports)
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func needsAPIKey(providerType string) bool {
	switch providerType {
	case config.ProviderOffline, config.ProviderOpenAICompat:
		return false
	}
	return true
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
