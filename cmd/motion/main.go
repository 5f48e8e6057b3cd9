// Command motion takes frames from the appliance, or from a local camera in
// gocv builds, and reports motion between consecutive frames.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bmpcam/internal/motion"
	"bmpcam/internal/platform/config"
	"bmpcam/internal/platform/events"
	"bmpcam/internal/platform/logger"
)

const fetchTimeout = 10 * time.Second

type monitor struct {
	src       source
	device    string
	threshold float64
	detector  motion.Detector
	pub       events.Publisher
	disp      display
	log       *slog.Logger
}

// tick takes a frame and compares it with the previous one. It returns
// the changed-pixel ratio, or -1 when there was nothing to compare.
func (m *monitor) tick(ctx context.Context) (float64, error) {
	img, err := m.src.Frame(ctx)
	if err != nil {
		return -1, err
	}
	mask, ok := m.detector.Observe(img)
	if !ok {
		return -1, nil
	}
	ratio := motion.Ratio(mask)
	m.log.Debug("frame compared", slog.Float64("ratio", ratio))

	if ratio >= m.threshold {
		m.log.Info("motion detected", slog.Float64("ratio", ratio))
		err := m.pub.Publish(events.Event{
			Type:   events.MotionDetected,
			Device: m.device,
			Ratio:  ratio,
		})
		if err != nil {
			m.log.Warn("event not published", slog.String("error", err.Error()))
		}
	}
	if m.disp != nil {
		if err := m.disp.Show(mask); err != nil {
			m.log.Warn("show mask", slog.String("error", err.Error()))
		}
	}
	return ratio, nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := m.tick(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("frame skipped", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func openSource(kind, url string, device int) (source, string, error) {
	switch kind {
	case sourceHTTP:
		return &httpSource{client: &http.Client{Timeout: fetchTimeout}, url: url}, url, nil
	case sourceLocal:
		src, err := newLocalSource(device)
		return src, fmt.Sprintf("video%d", device), err
	default:
		return nil, "", fmt.Errorf("unknown FRAME_SOURCE %q (want %s or %s)", kind, sourceHTTP, sourceLocal)
	}
}

func main() {
	_ = config.Load()

	kind := config.GetEnv("FRAME_SOURCE", sourceHTTP)
	url := config.GetEnv("CAMERA_URL", "http://192.168.122.100/")
	device := config.GetEnvInt("CAPTURE_DEVICE", 0)
	interval := config.GetEnvDuration("FETCH_INTERVAL", 500*time.Millisecond)
	threshold := config.GetEnvFloat("MOTION_THRESHOLD", 0.01)
	showMask := config.GetEnvBool("DISPLAY", false)
	broker := config.GetEnv("MQTT_BROKER", "")
	topic := config.GetEnv("MQTT_TOPIC", "camera/events")

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "json"))

	src, name, err := openSource(kind, url, device)
	if err != nil {
		log.Error("open frame source", "source", kind, "error", err)
		os.Exit(1)
	}
	defer src.Close()

	var pub events.Publisher = events.Nop{}
	if broker != "" {
		host, _ := os.Hostname()
		p, err := events.NewMQTT(events.MQTTConfig{
			Broker:   broker,
			ClientID: "bmpcam-motion-" + host,
			Topic:    topic,
		}, log)
		if err != nil {
			log.Error("mqtt unavailable", "error", err)
			os.Exit(1)
		}
		pub = p
	}
	defer pub.Close()

	m := &monitor{
		src:       src,
		device:    name,
		threshold: threshold,
		pub:       pub,
		log:       log,
	}
	if showMask {
		disp, err := newDisplay("Out")
		switch {
		case errors.Is(err, errNoDisplay):
			log.Warn("display disabled", "error", err)
		case err != nil:
			log.Error("open display", "error", err)
			os.Exit(1)
		default:
			m.disp = disp
			defer disp.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("motion monitor starting",
		"source", name,
		"interval", interval.String(),
		"threshold", threshold,
	)
	m.run(ctx, interval)
	log.Info("motion monitor stopped")
}
