package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/commandhub/internal/agent"
	"github.com/kestrelworks/commandhub/internal/sequencer"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Command Hub Agent", "version", AppVersion)

	identityPath := config.Device.IdentityPath
	if identityPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("Cannot determine home directory", "error", err)
			os.Exit(1)
		}
		identityPath = filepath.Join(home, ".commandhub", "identity.yaml")
	}

	file := agent.NewIdentityFile(identityPath)
	identity, err := file.Load()
	if err != nil {
		slog.Error("Failed to load identity", "error", err)
		os.Exit(1)
	}
	if identity == nil {
		identity = &agent.Identity{
			DeviceID:  uuid.New().String(),
			Username:  config.Device.Username,
			ServerURL: config.Server.URL,
		}
		if err := file.Save(identity); err != nil {
			slog.Error("Failed to save identity", "error", err)
			os.Exit(1)
		}
		slog.Info("Minted new device identity", "device_id", identity.DeviceID)
	}
	if identity.ServerURL == "" {
		identity.ServerURL = config.Server.URL
	}

	deviceName := config.Device.Name
	if deviceName == "" {
		if host, err := os.Hostname(); err == nil {
			deviceName = host
		}
	}

	router := agent.NewRouter(logRenderer{}, sequencer.DefaultStepInterval)
	bridge := agent.NewBridge(router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	status := func(last time.Time, ok bool) {
		if ok {
			slog.Debug("Server status", "last_command", last)
		} else {
			slog.Debug("Server status", "last_command", "never")
		}
	}

	session := agent.NewSession(agent.SessionConfig{
		ServerURL:  identity.ServerURL,
		DeviceName: deviceName,
		AppVersion: AppVersion,
	}, identity, file, stdinPrompter{}, bridge, status)
	session.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-session.Done():
		if err := session.Err(); err != nil {
			slog.Error("Session terminated", "error", err)
			os.Exit(1)
		}
	}

	router.Sequencer().Cancel()
	session.Stop()
	cancel()
	slog.Info("Shutdown complete")
}
