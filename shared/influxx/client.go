package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/config"
)

var ErrNotConfigured = errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")

// Client writes points synchronously to one bucket. Every point carries the
// service and env tags.
type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func New(cfg config.Config) (*Client, error) {
	if !Enabled(cfg) {
		return nil, ErrNotConfigured
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS / 1000)).
		SetPrecision(time.Millisecond).
		AddDefaultTag("service", cfg.ServiceName).
		AddDefaultTag("env", cfg.Env)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{
		client: client,
		writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
	}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.writer == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.writer.WritePoint(ctx, influxdb2.NewPoint(measurement, tags, fields, ts))
}

// Enabled reports whether all Influx settings are present. Telemetry is optional.
func Enabled(cfg config.Config) bool {
	return cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != ""
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
