package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/oMMh6666/CapsWriter/internal/audio"
	"github.com/oMMh6666/CapsWriter/internal/config"
	"github.com/oMMh6666/CapsWriter/internal/device"
	"github.com/oMMh6666/CapsWriter/internal/keystate"
	"github.com/oMMh6666/CapsWriter/internal/meter"
	"github.com/oMMh6666/CapsWriter/internal/metrics"
	"github.com/oMMh6666/CapsWriter/internal/protocol"
	"github.com/oMMh6666/CapsWriter/internal/server"
	"github.com/oMMh6666/CapsWriter/internal/sink"
	"github.com/oMMh6666/CapsWriter/internal/stream"
	"github.com/oMMh6666/CapsWriter/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "capswriter"
	serviceVersion    = server.Version
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listDevices := flag.Bool("list-devices", false, "List capture devices and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Client starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	driver := device.NewDriver(logger)
	if err := driver.Init(); err != nil {
		logger.Error("Failed to initialize audio driver", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *listDevices {
		err = printDevices(driver)
	} else {
		err = run(cfg, driver, logger)
	}

	if terr := driver.Terminate(); terr != nil {
		logger.Warn("Failed to terminate audio driver", slog.String("error", terr.Error()))
	}
	if err != nil {
		logger.Error("Client stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Client stopped")
}

func printDevices(driver *device.Driver) error {
	devices, err := driver.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\n", d.ID, d.Name)
	}
	return nil
}

// run wires capture, session, queue and transport together and blocks until
// a signal, a capture fault or a component failure
func run(cfg *config.Config, driver *device.Driver, logger *slog.Logger) error {
	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		BitsPerSample: cfg.Audio.BitDepth,
		Channels:      cfg.Audio.Channels,
	}
	layout := audio.Layout{
		NotifyCount: cfg.Audio.NotifyCount,
		SliceSize:   cfg.Audio.SliceSize,
	}

	logger.Info("Configuration loaded",
		slog.String("server_url", cfg.Server.URL()),
		slog.String("format", format.String()),
		slog.Int("ring_bytes", layout.BufferSize()),
		slog.String("filter", cfg.Filter.Kind),
		slog.String("disconnect_policy", cfg.Queue.DisconnectPolicy),
		slog.String("ptt_mode", cfg.PTT.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(nil)

	filter, err := audio.NewFilter(cfg.Filter.Kind, cfg.Filter.Window)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	policy, err := stream.ParseDisconnectPolicy(cfg.Queue.DisconnectPolicy)
	if err != nil {
		return err
	}

	builder := protocol.NewBuilder()
	builder.SegDuration = cfg.Session.SegDuration
	builder.SegOverlap = cfg.Session.SegOverlap
	builder.Source = cfg.Session.Source

	queue := stream.NewQueue(stream.QueueConfig{
		HighWater: cfg.Queue.HighWater,
		Policy:    policy,
	}, appMetrics, logger)
	// Nothing is sent until the first connection comes up
	queue.Pause()

	machine := stream.NewMachine(builder, queue, appMetrics, logger)

	var toggle *keystate.Toggle
	var keys stream.KeySource
	switch cfg.PTT.Mode {
	case keystate.ModeStdin:
		toggle = keystate.NewToggle(os.Stdin, func(held bool) {
			if held {
				fmt.Fprintln(os.Stderr, "Recording... press Enter to stop")
			} else {
				fmt.Fprintln(os.Stderr, "Stopped. Press Enter to record, q to quit")
			}
		})
		keys = toggle
	case keystate.ModeHold:
		keys = keystate.NewStatic(true)
	case keystate.ModeCapsLock:
		caps, err := keystate.NewCapsLock()
		if err != nil {
			return err
		}
		keys = caps
	}

	levelMeter, err := meter.NewMeter(meter.Config{
		OnLevel: func(level meter.Level) {
			logger.Debug("Mic level",
				slog.Float64("db", level.DB),
				slog.Bool("active", level.Active),
			)
		},
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("meter: %w", err)
	}

	resultSinks := []stream.ResultSink{sink.NewPrinter(os.Stdout, false, false)}
	var clip *sink.Clipboard
	if cfg.Output.Clipboard || cfg.Output.Paste {
		if err := sink.ClipboardAvailable(); err != nil {
			logger.Warn("Clipboard output disabled", slog.String("error", err.Error()))
		} else {
			clip = sink.NewClipboard(cfg.Output.Paste, logger)
			resultSinks = append(resultSinks, clip)
		}
	}

	var mqttClient mqtt.Client
	var publisher *sink.MQTTPublisher
	if cfg.Output.MQTT.Broker != "" {
		mqttCfg := sink.MQTTConfig{
			Broker:    cfg.Output.MQTT.Broker,
			ClientID:  cfg.Output.MQTT.ClientID,
			Username:  cfg.Output.MQTT.Username,
			Password:  cfg.Output.MQTT.Password,
			Topic:     cfg.Output.MQTT.Topic,
			QoS:       byte(cfg.Output.MQTT.QoS),
			FinalOnly: cfg.Output.MQTT.FinalOnly,
		}
		mqttClient, err = sink.ConnectMQTT(mqttCfg, logger)
		if err != nil {
			logger.Warn("MQTT output disabled", slog.String("error", err.Error()))
		} else {
			publisher = sink.NewMQTTPublisher(mqttClient, mqttCfg, logger)
			resultSinks = append(resultSinks, publisher)
		}
	}

	var statusSinks []stream.StatusSink
	if cfg.Output.Notify {
		statusSinks = append(statusSinks, sink.NewNotifier(logger))
	}

	pipeline := stream.NewPipeline(stream.PipelineConfig{
		Preprocessor: audio.NewPreprocessor(filter),
		Machine:      machine,
		Queue:        queue,
		Keys:         keys,
		FrameSinks:   []stream.FrameSink{levelMeter},
		ResultSinks:  resultSinks,
		StatusSinks:  statusSinks,
		Metrics:      appMetrics,
		Logger:       logger,
	})

	client, err := transcription.NewClient(transcription.Config{
		URL:          cfg.Server.URL(),
		DialTimeout:  cfg.Server.GetDialTimeoutDuration(),
		WriteTimeout: cfg.Server.GetWriteTimeoutDuration(),
		MaxRetries:   cfg.Server.MaxRetries,
		RetryDelay:   cfg.Server.GetRetryDelayDuration(),
		MaxBackoff:   cfg.Server.GetMaxBackoffDuration(),
		Reconnect:    cfg.Server.Reconnect,
	}, transcription.Handlers{
		OnConnected:     pipeline.HandleConnected,
		OnDisconnected:  pipeline.HandleDisconnected,
		OnResult:        pipeline.HandleResult,
		OnProtocolError: pipeline.HandleProtocolError,
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	var sender stream.Sender = client
	var archive *audio.Archive
	if cfg.Output.ArchiveDir != "" {
		archive, err = audio.NewArchive(cfg.Output.ArchiveDir, format, logger)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		sender = stream.NewArchiveSender(client, archive, logger)
	}

	capture := audio.NewCaptureBuffer(driver, layout, pipeline.HandleFrame, logger)
	capture.SetMetrics(appMetrics)

	sources := server.Sources{
		Pipeline: pipeline,
		Client:   client,
		Capture:  capture,
		Meter:    levelMeter,
	}
	if archive != nil {
		sources.Archive = archive
	}
	if publisher != nil {
		sources.MQTT = publisher
	}
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, sources, appMetrics, nil)
	}

	if err := capture.Start(format); err != nil {
		var derr *audio.DeviceError
		if errors.As(err, &derr) && derr.Kind == audio.PermissionDenied {
			logger.Error("Microphone access denied, check system privacy settings")
		}
		return fmt.Errorf("cannot open microphone: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The transport outlives the signal so pending messages can drain
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return ignoreCanceled(queue.Run(gctx, sender))
	})
	g.Go(func() error {
		return client.Run(gctx)
	})
	if httpServer != nil {
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}
	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(gctx)
		})
	}

	if toggle != nil {
		go func() {
			if err := toggle.Run(sigCtx); err != nil {
				logger.Warn("Key input stopped", slog.String("error", err.Error()))
			}
			// q or EOF on stdin ends the session
			stop()
		}()
		fmt.Fprintln(os.Stderr, "Press Enter to record, q to quit")
	}

	logger.Info("Client started, waiting for signals...")

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("Shutdown requested")
	case <-capture.Done():
		runErr = capture.Err()
		appMetrics.RecordCaptureFault()
		logger.Error("Capture stopped unexpectedly", slog.Any("error", runErr))
	case <-gctx.Done():
		logger.Error("Component failed, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	if _, err := capture.Stop(); err != nil {
		logger.Warn("Error stopping capture", slog.String("error", err.Error()))
	}

	pipeline.Close()

	if pipeline.Connected() {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Queue.GetDrainTimeoutDuration())
		if err := queue.WaitIdle(drainCtx); err != nil {
			logger.Warn("Queue not drained before shutdown", slog.Int("pending", queue.Len()))
		}
		cancelDrain()
	} else if n := queue.Len(); n > 0 {
		logger.Warn("Discarding pending messages, server unreachable", slog.Int("pending", n))
	}

	cancelRun()
	if err := client.Close(); err != nil {
		logger.Warn("Error closing transport", slog.String("error", err.Error()))
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	if archive != nil {
		if err := archive.Close(); err != nil {
			logger.Warn("Error closing archive", slog.String("error", err.Error()))
		}
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	stats := pipeline.GetStats()
	logger.Info("Final client statistics",
		slog.Uint64("frames", stats.Frames),
		slog.Uint64("tasks", stats.Session.Tasks),
		slog.Uint64("messages_sent", stats.Queue.Sent),
		slog.Uint64("messages_failed", stats.Queue.Failed),
		slog.Uint64("messages_discarded", stats.Queue.Discarded),
		slog.Uint64("results", stats.Results),
	)
	if clip != nil {
		cs := clip.GetStats()
		logger.Info("Clipboard statistics",
			slog.Uint64("copied", cs.Copied),
			slog.Uint64("pasted", cs.Pasted),
			slog.Uint64("failures", cs.Failures),
		)
	}
	if publisher != nil {
		ms := publisher.GetStats()
		logger.Info("MQTT statistics",
			slog.Uint64("published", ms.Published),
			slog.Uint64("failed", ms.Failed),
			slog.Uint64("dropped", ms.Dropped),
		)
	}

	return runErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// stdout carries transcribed text, so logs default to stderr
	var output *os.File
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
