package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	metricPrefix = "motion_display_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	motionPulses       *prometheus.CounterVec
	displayCommands    *prometheus.CounterVec
	displayQueryErrors prometheus.Counter
	publishes          *prometheus.CounterVec
	inboundMessages    *prometheus.CounterVec
	timerFires         prometheus.Counter
	brokerConnects     *prometheus.CounterVec
	sensorEnabledGauge prometheus.Gauge
)

// Init registers the daemon metrics with the default registry. Safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		motionPulses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "motion_pulses_total",
				Help: "Motion pulses by outcome",
			},
			[]string{"outcome"},
		)
		displayCommands = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "display_commands_total",
				Help: "Display power commands issued by action",
			},
			[]string{"action"},
		)
		displayQueryErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "display_query_errors_total",
				Help: "Failed display power queries",
			},
		)
		publishes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publishes_total",
				Help: "Outbound publishes by result",
			},
			[]string{"result"},
		)
		inboundMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_messages_total",
				Help: "Inbound remote messages by topic and result",
			},
			[]string{"topic", "result"},
		)
		timerFires = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "timer_fires_total",
				Help: "Debounce timer expirations that turned the display off",
			},
		)
		brokerConnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_connects_total",
				Help: "Broker connection attempts by result",
			},
			[]string{"result"},
		)
		sensorEnabledGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sensor_enabled",
				Help: "1 when motion pulses are acted on, 0 when the sensor is disabled remotely",
			},
		)

		prometheus.MustRegister(
			motionPulses,
			displayCommands,
			displayQueryErrors,
			publishes,
			inboundMessages,
			timerFires,
			brokerConnects,
			sensorEnabledGauge,
		)
	})
}

// IncMotionPulse counts a motion pulse by outcome ("handled" or "ignored").
func IncMotionPulse(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if motionPulses != nil {
		motionPulses.WithLabelValues(outcome).Inc()
	}
}

// IncDisplayCommand counts a display power command ("on" or "off").
func IncDisplayCommand(action string) {
	if displayCommands != nil {
		displayCommands.WithLabelValues(action).Inc()
	}
}

// IncDisplayQueryError counts a failed display power query.
func IncDisplayQueryError() {
	if displayQueryErrors != nil {
		displayQueryErrors.Inc()
	}
}

// ObservePublish counts an outbound publish.
func ObservePublish(err error) {
	if publishes != nil {
		publishes.WithLabelValues(result(err)).Inc()
	}
}

// IncInbound counts an inbound message by topic and result: applied,
// ignored, malformed or error.
func IncInbound(topic, outcome string) {
	if inboundMessages != nil {
		inboundMessages.WithLabelValues(topic, outcome).Inc()
	}
}

// IncTimerFire counts a debounce timer expiry.
func IncTimerFire() {
	if timerFires != nil {
		timerFires.Inc()
	}
}

// ObserveBrokerConnect counts a broker connection attempt.
func ObserveBrokerConnect(err error) {
	if brokerConnects != nil {
		brokerConnects.WithLabelValues(result(err)).Inc()
	}
}

// SetSensorEnabled records the current sensor state.
func SetSensorEnabled(enabled bool) {
	if sensorEnabledGauge == nil {
		return
	}
	if enabled {
		sensorEnabledGauge.Set(1)
	} else {
		sensorEnabledGauge.Set(0)
	}
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}

// Serve exposes /metrics on listen until ctx is cancelled.
func Serve(ctx context.Context, listen string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Serving metrics", zap.String("listen", listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
