package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BytesStreamed tracks the total number of bytes published per channel.
// This metric is a counter and only increases.
var BytesStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "station_bytes_streamed",
	Help: "Total bytes published to the broadcast hub",
}, []string{"channel"})

// ClientsConnected tracks the number of clients currently attached per
// channel. This is a gauge that increases and decreases in real-time.
var ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "station_clients_connected",
	Help: "Number of clients attached to the broadcast hub",
}, []string{"channel"})

// StreamErrors counts playout errors per channel. The "error_type" label
// categorizes the failure (resolution, transcode, persistence, loop).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "station_stream_errors",
	Help: "Number of playout errors",
}, []string{"channel", "error_type"})

// ChannelRestarts counts supervisory loop restarts per channel. A channel
// exceeding its restart budget stops incrementing and goes unhealthy.
var ChannelRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "station_channel_restarts",
	Help: "Number of supervisory loop restarts",
}, []string{"channel"})

// PositionSaves counts playback position writes per channel, incremented
// once per item transition and on clean stop.
var PositionSaves = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "station_position_saves",
	Help: "Number of playback position persists",
}, []string{"channel"})

// DroppedChunks counts chunks dropped for individual slow clients. The
// producer never blocks on a saturated client queue; it drops instead.
var DroppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "station_dropped_chunks",
	Help: "Chunks dropped due to saturated client queues",
}, []string{"channel"})

// ChannelsRunning is the current number of channels with an active producer.
var ChannelsRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "station_channels_running",
	Help: "Number of channels with a running producer loop",
})
