// Package influxdb ships request telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library: Connect pings the
// server, then points are written through the non-blocking, batched write
// API. Asynchronous write failures are delivered to the callback set with
// SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint("http_requests",
//	    map[string]string{"route": "/v1/graphql"},
//	    map[string]any{"duration_ms": 12.5},
//	    time.Now())
//
// Writes are batched according to batch_size and flush_interval.
package influxdb
