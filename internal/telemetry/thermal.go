package telemetry

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/mikeyg42/dashcam/internal/coord"
	"github.com/mikeyg42/dashcam/internal/recorder/recorderlog"
)

var errNoSensors = errors.New("no temperature sensors")

// ThermalConfig sets the low-power hysteresis band in degrees Celsius.
type ThermalConfig struct {
	Threshold float64
	Recover   float64
	Interval  time.Duration
}

// TemperatureReader returns the hottest sensor reading.
type TemperatureReader func(ctx context.Context) (float64, error)

// ThermalMonitor polls device temperature and drives low-power mode.
type ThermalMonitor struct {
	cfg    ThermalConfig
	read   TemperatureReader
	state  *coord.State
	logger recorderlog.Logger

	last   atomic.Uint64 // math.Float64bits
	hasAny atomic.Bool
}

// NewThermalMonitor creates a monitor reading host sensors through gopsutil.
// read may be nil.
func NewThermalMonitor(cfg ThermalConfig, state *coord.State, read TemperatureReader, logger recorderlog.Logger) *ThermalMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Recover <= 0 || cfg.Recover > cfg.Threshold {
		cfg.Recover = cfg.Threshold
	}
	if read == nil {
		read = HostTemperature
	}
	return &ThermalMonitor{
		cfg:    cfg,
		read:   read,
		state:  state,
		logger: recorderlog.OrGlobal(logger, "thermal"),
	}
}

// HostTemperature returns the maximum temperature over all host sensors.
func HostTemperature(ctx context.Context) (float64, error) {
	stats, err := sensors.TemperaturesWithContext(ctx)
	if len(stats) == 0 {
		if err != nil {
			return 0, err
		}
		return 0, errNoSensors
	}
	// partial reads come back with a warning error; use what we got
	hottest := math.Inf(-1)
	for _, s := range stats {
		if s.Temperature > hottest {
			hottest = s.Temperature
		}
	}
	return hottest, nil
}

// Run polls until ctx is done.
func (m *ThermalMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll takes one reading and updates low-power mode.
func (m *ThermalMonitor) Poll(ctx context.Context) {
	t, err := m.read(ctx)
	if err != nil {
		m.logger.Debug("Temperature unavailable", recorderlog.Error(err))
		return
	}
	m.last.Store(math.Float64bits(t))
	m.hasAny.Store(true)

	low := m.state.LowPower()
	switch {
	case !low && t >= m.cfg.Threshold:
		m.state.SetLowPower(true)
		m.logger.Warn("Device hot, entering low-power mode", recorderlog.Float64("celsius", t))
	case low && t < m.cfg.Recover:
		m.state.SetLowPower(false)
		m.logger.Info("Device cooled, leaving low-power mode", recorderlog.Float64("celsius", t))
	}
}

// LastReading returns the latest temperature, if any.
func (m *ThermalMonitor) LastReading() (float64, bool) {
	if !m.hasAny.Load() {
		return 0, false
	}
	return math.Float64frombits(m.last.Load()), true
}
