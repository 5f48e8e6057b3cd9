package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"bmpcam/internal/netstack"
	"bmpcam/internal/orchestrator"
	"bmpcam/internal/platform/config"
	"bmpcam/internal/platform/events"
	"bmpcam/internal/platform/logger"
	"bmpcam/internal/platform/metrics"
	"bmpcam/internal/sensor"

	"github.com/go-chi/chi/v5"
	"periph.io/x/conn/v3/physic"
)

const shutdownTimeout = 10 * time.Second

type settings struct {
	listenIP   string
	listenPort int
	mac        net.HardwareAddr
	adminPort  string

	backend  string
	hardware sensor.PeriphConfig

	loop   orchestrator.Config
	socket netstack.Options

	mqttBroker string
	mqttTopic  string

	logLevel  string
	logFormat string
}

func loadSettings() (settings, error) {
	macStr := config.GetEnv("MAC_ADDRESS", "02:00:11:22:33:44")
	mac, err := net.ParseMAC(macStr)
	if err != nil {
		return settings{}, fmt.Errorf("MAC_ADDRESS: %w", err)
	}
	s := settings{
		listenIP:   config.GetEnv("LISTEN_IP", "192.168.122.100"),
		listenPort: config.GetEnvInt("LISTEN_PORT", orchestrator.DefaultPort),
		mac:        mac,
		adminPort:  config.GetEnv("ADMIN_PORT", "8081"),
		backend:    config.GetEnv("SENSOR_BACKEND", "periph"),
		hardware: sensor.PeriphConfig{
			SPIPort:  config.GetEnv("SPI_PORT", ""),
			SPISpeed: physic.Frequency(config.GetEnvInt("SPI_SPEED_HZ", 3000000)) * physic.Hertz,
			CSPin:    config.GetEnv("SPI_CS_PIN", "GPIO8"),
			I2CBus:   config.GetEnv("I2C_BUS", ""),
		},
		socket: netstack.Options{
			RxBuffer:    config.GetEnvInt("RX_BUFFER_SIZE", netstack.DefaultRxBuffer),
			TxBuffer:    config.GetEnvInt("TX_BUFFER_SIZE", netstack.DefaultTxBuffer),
			PollTimeout: config.GetEnvDuration("POLL_TIMEOUT", netstack.DefaultPollTimeout),
		},
		mqttBroker: config.GetEnv("MQTT_BROKER", ""),
		mqttTopic:  config.GetEnv("MQTT_TOPIC", "camera/events"),
		logLevel:   config.GetEnv("LOG_LEVEL", "info"),
		logFormat:  config.GetEnv("LOG_FORMAT", "json"),
	}
	s.socket.IP = s.listenIP
	s.loop = orchestrator.Config{
		Port:               s.listenPort,
		CloseAfterResponse: config.GetEnvBool("CLOSE_AFTER_RESPONSE", true),
		PollInterval:       config.GetEnvDuration("CAPTURE_POLL_INTERVAL", 10*time.Millisecond),
		MaxPolls:           config.GetEnvInt("CAPTURE_MAX_POLLS", 200),
		Settle:             config.GetEnvDuration("CAPTURE_SETTLE", 50*time.Millisecond),
		CaptureRate:        config.GetEnvFloat("CAPTURE_RATE", 0),
		BreakerFailures:    config.GetEnvInt("CAPTURE_BREAKER_FAILURES", orchestrator.DefaultBreakerFailures),
		BreakerTimeout:     config.GetEnvDuration("CAPTURE_BREAKER_TIMEOUT", orchestrator.DefaultBreakerTimeout),
		UndersizedRetries:  config.GetEnvInt("UNDERSIZED_RETRIES", 0),
		Device:             mac.String(),
	}
	switch s.backend {
	case "periph", "sim":
	default:
		return settings{}, fmt.Errorf("SENSOR_BACKEND: unknown backend %q", s.backend)
	}
	return s, nil
}

func main() {
	_ = config.Load()

	s, err := loadSettings()
	if err != nil {
		logger.New("error", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(s.logLevel, s.logFormat)

	if err := run(s, log); err != nil {
		log.Error("camera stopped", "error", err)
		os.Exit(1)
	}
	log.Info("camera stopped")
}

func run(s settings, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info("shutdown signal received, stopping loop")
			cancel()
		case <-ctx.Done():
		}
	}()

	cam, closeCam, err := openCamera(s, log)
	if err != nil {
		return err
	}
	defer closeCam()

	log.Info("sensor bring-up", slog.String("backend", s.backend))
	if err := cam.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("sensor init: %w", err)
	}

	pub, err := openEvents(s, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	sock := netstack.NewSocket(s.socket)
	defer sock.Shutdown()

	repo := orchestrator.NewInMemoryRepository()
	met := metrics.New()
	loop := orchestrator.NewLoop(s.loop, orchestrator.Deps{
		Endpoint: sock,
		Camera:   cam,
		Repo:     repo,
		Metrics:  met,
		Events:   pub,
		Logger:   log,
	})
	h := orchestrator.NewHandler(repo, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get(metrics.ScrapePath, func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			st, _ := repo.Status()
			met.SetSessionActive(st.Session.Triggered)
		}).ServeHTTP(w, r)
	})
	r.Mount("/", h.Routes())

	srv := &http.Server{Addr: ":" + s.adminPort, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
			cancel()
		}
	}()

	log.Info("camera starting",
		"listen", net.JoinHostPort(s.listenIP, strconv.Itoa(s.listenPort)),
		"mac", s.mac.String(),
		"admin_port", s.adminPort,
		"close_after_response", s.loop.CloseAfterResponse,
		"max_polls", s.loop.MaxPolls,
		"log_level", s.logLevel,
	)

	loopErr := loop.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin shutdown error", "error", err)
	}
	return loopErr
}

// openCamera returns the driver for the configured backend and a func
// releasing its buses.
func openCamera(s settings, log *slog.Logger) (*sensor.Driver, func(), error) {
	if s.backend == "sim" {
		sim := sensor.NewSim(sensor.SimOptions{PollsUntilDone: 5})
		return sim.Driver(sensor.Sleep, log), func() {}, nil
	}
	hw, err := sensor.OpenPeriph(s.hardware)
	if err != nil {
		return nil, nil, err
	}
	closeHW := func() {
		if err := hw.Close(); err != nil {
			log.Warn("close buses", "error", err)
		}
	}
	return hw.Driver(sensor.Sleep, log), closeHW, nil
}

func openEvents(s settings, log *slog.Logger) (events.Publisher, error) {
	if s.mqttBroker == "" {
		return events.Nop{}, nil
	}
	pub, err := events.NewMQTT(events.MQTTConfig{
		Broker:   s.mqttBroker,
		ClientID: "bmpcam-" + s.mac.String(),
		Topic:    s.mqttTopic,
		QoS:      1,
	}, log)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
