package telemetry

import "fwdctl/internal/model"

// MaxRateWindow is the largest uptime delta, in seconds, over which a rate
// is still derived. Longer gaps (a suspended console, a dropped channel)
// would average traffic over the whole gap and are reported as zero.
const MaxRateWindow = 10

// DeriveRates returns send and receive rates in bytes per second between
// two consecutive samples of the same node. The rates are zero unless the
// uptime advanced by (0, MaxRateWindow] seconds and neither counter went
// backwards.
func DeriveRates(prev, cur model.Counters) (send, recv float64) {
	dt := cur.Uptime - prev.Uptime
	if dt <= 0 || dt > MaxRateWindow {
		return 0, 0
	}
	if cur.BytesSent < prev.BytesSent || cur.BytesReceived < prev.BytesReceived {
		return 0, 0
	}
	seconds := float64(dt)
	send = float64(cur.BytesSent-prev.BytesSent) / seconds
	recv = float64(cur.BytesReceived-prev.BytesReceived) / seconds
	return send, recv
}
