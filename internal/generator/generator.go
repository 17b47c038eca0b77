// Package generator builds sample device CloudEvents.
package generator

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/events"
)

// Config controls the generated population.
type Config struct {
	Devices          int     // size of the simulated device fleet
	AlertProbability float64 // 0.0 to 1.0, chance an alert accompanies a reading
	Extension        bool    // add the firmware extension attribute
}

// Generator generates fake device events
type Generator struct {
	config  Config
	faker   faker.Faker
	devices []device
	logger  *zap.Logger
}

type device struct {
	id   string
	site string
}

// NewGenerator creates a new event generator with a fixed fleet of devices.
func NewGenerator(config Config, logger *zap.Logger) *Generator {
	if config.Devices <= 0 {
		config.Devices = 1
	}
	g := &Generator{
		config: config,
		faker:  faker.New(),
		logger: logger,
	}
	for i := 0; i < config.Devices; i++ {
		g.devices = append(g.devices, device{
			id:   "d-" + g.faker.UUID().V4()[0:8],
			site: g.faker.Address().City(),
		})
	}
	return g
}

// Next returns a telemetry event and, with the configured probability, an
// alert for the same device.
func (g *Generator) Next() []cloudevents.Event {
	d := g.devices[g.faker.IntBetween(0, len(g.devices)-1)]
	out := []cloudevents.Event{g.GenerateTelemetryEvent(d.id, d.site)}
	if g.shouldAlert() {
		out = append(out, g.GenerateAlertEvent(d.id, d.site))
	}
	return out
}

// GenerateTelemetryEvent generates a CloudEvent for a sensor reading
func (g *Generator) GenerateTelemetryEvent(deviceID, site string) cloudevents.Event {
	event := g.newEvent(events.EventTypeTelemetry, deviceID)
	event.SetDataSchema(events.DataSchemaTelemetry)

	data := events.TelemetryData{
		DeviceID:    deviceID,
		Site:        site,
		Temperature: g.reading(15, 30),
		Humidity:    g.reading(20, 80),
		Battery:     g.faker.IntBetween(5, 100),
		ReadAt:      event.Time(),
	}
	if err := event.SetData(events.ContentTypeJSON, data); err != nil {
		g.logger.Error("Failed to set event data", zap.Error(err))
	}
	return event
}

// GenerateAlertEvent generates a CloudEvent for a threshold alert
func (g *Generator) GenerateAlertEvent(deviceID, site string) cloudevents.Event {
	event := g.newEvent(events.EventTypeAlert, deviceID)

	metrics := []string{"temperature", "humidity", "battery"}
	metric := metrics[g.faker.IntBetween(0, len(metrics)-1)]
	threshold := g.reading(10, 90)
	data := events.AlertData{
		DeviceID:  deviceID,
		Site:      site,
		Severity:  g.randomSeverity(),
		Metric:    metric,
		Value:     threshold + g.reading(0, 10),
		Threshold: threshold,
		RaisedAt:  event.Time(),
	}
	if err := event.SetData(events.ContentTypeJSON, data); err != nil {
		g.logger.Error("Failed to set event data", zap.Error(err))
	}
	return event
}

func (g *Generator) newEvent(eventType, deviceID string) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetID(uuid.New().String())
	event.SetType(eventType)
	event.SetSource(events.EventSource)
	event.SetSubject(events.Subject(deviceID))
	event.SetTime(time.Now().UTC().Truncate(time.Millisecond))
	if g.config.Extension {
		event.SetExtension(events.ExtensionFirmware, fmt.Sprintf("1.%d.%d", g.faker.IntBetween(0, 9), g.faker.IntBetween(0, 20)))
	}
	return event
}

// reading returns a value in [min, max) with one decimal.
func (g *Generator) reading(min, max int) float64 {
	return float64(g.faker.IntBetween(min*10, max*10-1)) / 10
}

func (g *Generator) shouldAlert() bool {
	return float64(g.faker.IntBetween(1, 100)) <= g.config.AlertProbability*100
}

func (g *Generator) randomSeverity() string {
	severities := []string{"info", "warning", "critical"}
	weights := []int{60, 30, 10}

	rand := g.faker.IntBetween(1, 100)
	cumulative := 0

	for i, weight := range weights {
		cumulative += weight
		if rand <= cumulative {
			return severities[i]
		}
	}

	return severities[0]
}
