package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"circuit-agent/internal/adc"
	"circuit-agent/internal/board"
	"circuit-agent/internal/config"
	"circuit-agent/internal/control"
	"circuit-agent/internal/hardware"
	"circuit-agent/internal/metrics"
	"circuit-agent/internal/models"
	"circuit-agent/internal/mqtt"
	"circuit-agent/internal/power"
	"circuit-agent/internal/relay"
	"circuit-agent/internal/systemd"
	"circuit-agent/internal/transport"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search ., ./config, /etc/circuit-agent)")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	setupLogger(logger, cfg.Log)

	logger.WithFields(logrus.Fields{
		"serial":  cfg.Agent.Serial,
		"state":   cfg.Authority.StateURL,
		"report":  cfg.Authority.ReportURL,
		"backend": cfg.Hardware.Backend,
	}).Info("Starting circuit agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brd, err := board.Open(boardOptions(cfg), logger)
	if err != nil {
		logger.Fatalf("Failed to open hardware: %v", err)
	}
	defer brd.Close()

	relays := relay.NewController(brd.I2C, brd.Selector, relay.Config{
		Addresses:     [hardware.Banks]uint16{cfg.Hardware.RelayAddresses[0], cfg.Hardware.RelayAddresses[1]},
		ActiveLowMask: models.Bitmask(cfg.Relay.ActiveLowMask),
	}, logger)
	if err := relays.Init(); err != nil {
		logger.Fatalf("Failed to initialise relay bank: %v", err)
	}

	calibrator, err := power.NewCalibrator(power.Mode(cfg.Calibration.Mode))
	if err != nil {
		logger.Fatalf("Invalid calibration: %v", err)
	}

	client := transport.NewClient(transport.Config{
		StateURL:  cfg.Authority.StateURL,
		ReportURL: cfg.Authority.ReportURL,
		Timeout:   cfg.Authority.Timeout,
		UserAgent: cfg.Authority.UserAgent,
	}, nil, logger)

	loop := control.NewLoop(control.Config{
		Serial:      cfg.Agent.Serial,
		SettleDelay: cfg.Agent.SettleDelay,
		PaceDelay:   cfg.Agent.PaceDelay,
	}, control.Deps{
		Fetcher:    client,
		Reporter:   client,
		Actuator:   relays,
		Sampler:    adc.NewMultiplexer(brd.SPI, brd.Selector, logger),
		Calibrator: calibrator,
	}, logger)

	notifier := systemd.NewNotifier(cfg.Systemd.Notify, logger)

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(cfg, logger)
		if err != nil {
			logger.Fatalf("Failed to create MQTT client: %v", err)
		}
		if err := mqttClient.Connect(); err != nil {
			logger.Errorf("MQTT mirror unavailable: %v", err)
		}
		defer mqttClient.Disconnect()
	}

	var wg sync.WaitGroup

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		stale := 3 * (cfg.Agent.SettleDelay + cfg.Agent.PaceDelay + 2*cfg.Authority.Timeout)
		server := metrics.NewServer(cfg.Metrics.Listen, m, stale, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	loop.SetCycleCallback(func(res control.CycleResult) {
		notifier.Alive()
		if m != nil {
			m.Observe(res)
		}
		if mqttClient != nil {
			if err := mqttClient.PublishCycle(res); err != nil {
				logger.WithError(err).Debug("MQTT mirror incomplete")
			}
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	notifier.Ready()
	logger.Info("All services started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	notifier.Stopping()
	cancel()

	wg.Wait()
	logger.Info("Shutdown complete")
}

func setupLogger(logger *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warnf("Unknown log level %q, keeping %s", cfg.Level, logger.GetLevel())
	} else {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func boardOptions(cfg *config.Config) board.Options {
	return board.Options{
		Backend:             cfg.Hardware.Backend,
		SPIDevice:           cfg.Hardware.SPIDevice,
		SPISpeedHz:          cfg.Hardware.SPISpeedHz,
		SPIMode:             cfg.Hardware.SPIMode,
		GPIOChip:            cfg.Hardware.GPIOChip,
		BankSelectPins:      [hardware.Banks]int{cfg.Hardware.BankSelectPins[0], cfg.Hardware.BankSelectPins[1]},
		BankSelectActiveLow: cfg.Hardware.BankSelectActiveLow,
		EnablePin:           cfg.Hardware.EnablePin,
		RelayAddresses:      [hardware.Banks]uint16{cfg.Hardware.RelayAddresses[0], cfg.Hardware.RelayAddresses[1]},
		RelayActiveLowMask:  models.Bitmask(cfg.Relay.ActiveLowMask),
	}
}
