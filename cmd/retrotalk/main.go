// RetroTalk - legacy chat and voice server
//
// RetroTalk speaks the original binary framing protocol on the chat
// port, relays room audio on the voice port, exposes a REST status API,
// and optionally publishes presence telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/retrotalk-project/retrotalk/internal/api"
	"github.com/retrotalk-project/retrotalk/internal/chat"
	"github.com/retrotalk-project/retrotalk/internal/cli"
	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/events"
	"github.com/retrotalk-project/retrotalk/internal/registry"
	"github.com/retrotalk-project/retrotalk/internal/store"
	"github.com/retrotalk-project/retrotalk/internal/telemetry"
	"github.com/retrotalk-project/retrotalk/internal/util"
	"github.com/retrotalk-project/retrotalk/internal/voice"
)

const (
	AppName    = "RetroTalk"
	AppVersion = "1.0.0"
	Banner     = `
  ____      _            _____     _ _
 |  _ \ ___| |_ _ __ ___|_   _|_ _| | | __
 | |_) / _ \ __| '__/ _ \ | |/ _' | | |/ /
 |  _ <  __/ |_| | | (_) || | (_| | |   <
 |_| \_\___|\__|_|  \___/ |_|\__,_|_|_|\_\  v%s
 Legacy chat & voice server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first, reconfigured after config load
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting RetroTalk")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// The record store is required: logins cannot be verified without it.
	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("failed to open record store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	reg := registry.New(bus)

	seedFromStore(ctx, cfg, reg, st)

	disp := chat.NewDispatcher(cfg, reg, st, bus)
	chatListener := chat.NewListener(cfg, disp)
	relay := voice.NewRelay(cfg, reg)
	disp.SetVoice(relay)
	apiServer := api.NewServer(cfg, reg, relay)
	console := cli.NewConsole(cfg, bus, reg, disp)

	var mqttBridge *telemetry.MQTTBridge
	if cfg.MQTT.Enabled {
		mqttBridge, err = telemetry.NewMQTTBridge(cfg, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// One shutdown trigger shared by signals, the console and in-band
	// admin commands.
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	triggerShutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}

	disp.SetShutdownFunc(func(delay time.Duration) {
		go func() {
			select {
			case <-time.After(delay):
				triggerShutdown()
			case <-ctx.Done():
			}
		}()
	})

	bus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		triggerShutdown()
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.Server.ChatPort).Msg("starting chat listener")
		if err := chatListener.Start(ctx); err != nil {
			errCh <- fmt.Errorf("chat listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.Server.VoicePort).Msg("starting voice relay")
		if err := relay.Start(ctx); err != nil {
			errCh <- fmt.Errorf("voice relay: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.Server.APIPort).Msg("starting status API")
		if err := apiServer.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("status API failed (non-fatal)")
		}
	}()

	if mqttBridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttBridge.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		console.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Let connected clients know before the listeners go away.
	disp.Announce(ctx, "Server is shutting down")

	cancel()
	chatListener.Stop()
	relay.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.Duration(cfg.Limits.ShutdownGraceSec) * time.Second
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("shutdown timed out, forcing exit")
	}

	// Stop the event bus last so in-flight handlers can finish.
	bus.Stop()

	log.Info().Msg("RetroTalk stopped")
}

// seedFromStore loads categories and permanent rooms into the registry
// at startup. A missing or empty table is not fatal.
func seedFromStore(ctx context.Context, cfg *config.Config, reg *registry.Registry, st store.Store) {
	loadCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	defer cancel()

	cats, err := st.GetCategories(loadCtx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load room categories")
	} else {
		seeded := make([]registry.Category, 0, len(cats))
		for _, c := range cats {
			seeded = append(seeded, registry.Category{Code: c.Code, Name: c.Name, Sort: c.Sort})
		}
		reg.SetCategories(seeded)
		log.Info().Int("count", len(seeded)).Msg("room categories loaded")
	}

	rooms, err := st.GetPermanentRooms(loadCtx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load permanent rooms")
		return
	}
	for _, rec := range rooms {
		room := registry.NewRoom(rec.ID, rec.Name, rec.Category, rec.Rating)
		room.Voice = rec.Voice
		room.Private = rec.Private
		room.Password = rec.Password
		room.Topic = rec.Topic
		room.OwnerUID = rec.OwnerUID
		room.MicEnabled = rec.MicEnabled
		room.TextEnabled = rec.TextEnabled
		room.Permanent = true
		if err := reg.AddRoom(ctx, room); err != nil {
			log.Warn().Err(err).Int32("room", rec.ID).Msg("failed to seed permanent room")
		}
	}
	log.Info().Int("count", len(rooms)).Msg("permanent rooms loaded")
}
