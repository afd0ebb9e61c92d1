package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nerrad567/grow-logic-core/internal/infrastructure/mqtt"
)

// DefaultCacheSize bounds the number of sensors tracked at once.
const DefaultCacheSize = 1024

// Logger is the logging interface used by the cache.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Recorder receives every accepted reading, typically the InfluxDB client.
type Recorder interface {
	WriteSensorReading(sensorID, kind string, value float64, at time.Time)
}

// Subscriber is the part of the MQTT client the cache needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Deps holds the cache's collaborators. All fields are optional.
type Deps struct {
	Size     int
	Recorder Recorder
	Logger   Logger
	Clock    func() time.Time
}

// Cache keeps the latest reading per sensor. Least recently used sensors
// are evicted once Size is reached.
//
// Thread Safety: all methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex // orders the read-compare-write in Put
	readings *lru.Cache[string, Reading]
	recorder Recorder
	logger   Logger
	now      func() time.Time
}

// NewCache creates a reading cache.
func NewCache(deps Deps) (*Cache, error) {
	size := deps.Size
	if size <= 0 {
		size = DefaultCacheSize
	}
	readings, err := lru.New[string, Reading](size)
	if err != nil {
		return nil, fmt.Errorf("creating sensor cache: %w", err)
	}

	c := &Cache{
		readings: readings,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		now:      deps.Clock,
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Put stores r unless the cache already holds a newer reading for the
// same sensor. It reports whether r was stored.
func (c *Cache) Put(r Reading) bool {
	c.mu.Lock()
	if prev, ok := c.readings.Peek(r.SensorID); ok && prev.Timestamp.After(r.Timestamp) {
		c.mu.Unlock()
		c.logger.Debug("discarding out-of-order sensor reading",
			"sensor_id", r.SensorID, "timestamp", r.Timestamp, "latest", prev.Timestamp)
		return false
	}
	c.readings.Add(r.SensorID, r)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.WriteSensorReading(r.SensorID, string(r.Kind), r.Value, r.Timestamp)
	}
	return true
}

// Ingest decodes payload and stores the reading.
func (c *Cache) Ingest(sensorID string, payload []byte) error {
	r, err := Decode(sensorID, payload, c.now().UTC())
	if err != nil {
		return err
	}
	c.Put(r)
	return nil
}

// GetLatestReading returns the newest reading for sensorID, or
// ErrUnavailable. It never blocks, but honours a cancelled ctx so callers
// can treat every provider the same way.
func (c *Cache) GetLatestReading(ctx context.Context, sensorID string) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	r, ok := c.readings.Get(sensorID)
	if !ok {
		return Reading{}, ErrUnavailable
	}
	return r, nil
}

// Len returns the number of sensors currently cached.
func (c *Cache) Len() int {
	return c.readings.Len()
}

// Subscribe feeds the cache from every sensor reading topic. Malformed
// payloads are logged and dropped.
func (c *Cache) Subscribe(sub Subscriber, qos byte) error {
	return sub.Subscribe(mqtt.Topics{}.AllSensorReadings(), qos, func(topic string, payload []byte) error {
		sensorID := mqtt.Segment(topic, 2)
		if sensorID == "" {
			return nil
		}
		if err := c.Ingest(sensorID, payload); err != nil {
			c.logger.Warn("dropping sensor payload", "sensor_id", sensorID, "error", err)
		}
		return nil
	})
}
