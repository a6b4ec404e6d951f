package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/tui"
)

var noSpawn bool

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive dashboard",
	Args:  cobra.NoArgs,
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().BoolVar(&noSpawn, "no-spawn", false, "Do not start a local gateway when none is reachable")
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.GatewayURL

	if !isGatewayRunning(addr) && !noSpawn {
		fmt.Println("⚡ Gateway not running. Starting background gateway...")
		if err := startGateway(addr); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	app := tui.New(addr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isGatewayRunning(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := gateway.NewClient(addr).CheckHealth(ctx)
	return err == nil
}

func startGateway(addr string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"gateway"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	// Detach so the gateway outlives the dashboard.
	detach(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for gateway...")
	for i := 0; i < 20; i++ {
		if isGatewayRunning(addr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("gateway started but not reachable at %s", addr)
}
