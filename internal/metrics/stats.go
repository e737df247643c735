package metrics

import (
	"math"
	"sort"
	"time"

	"fwdctl/internal/model"
)

// Summary is a per-node throughput snapshot over a time window.
type Summary struct {
	NodeID      string
	Count       int
	From        time.Time
	To          time.Time
	AvgSendBps  float64
	P95SendBps  float64
	MaxSendBps  float64
	AvgRecvBps  float64
	P95RecvBps  float64
	MaxRecvBps  float64
	AvgCPUPct   float64
	AvgMemPct   float64
	IdleSamples int // samples whose rates were both zero
}

// Summarize groups samples at or after since by node and computes a
// summary for each, ordered by node ID.
func Summarize(items []model.RateSample, since time.Time) []Summary {
	byNode := map[string][]model.RateSample{}
	for _, s := range items {
		if s.Timestamp.Before(since) {
			continue
		}
		byNode[s.NodeID] = append(byNode[s.NodeID], s)
	}

	out := make([]Summary, 0, len(byNode))
	for node, samples := range byNode {
		out = append(out, summarizeNode(node, samples))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func summarizeNode(node string, samples []model.RateSample) Summary {
	sum := Summary{NodeID: node, Count: len(samples), From: samples[0].Timestamp, To: samples[0].Timestamp}
	send := make([]float64, 0, len(samples))
	recv := make([]float64, 0, len(samples))
	var sumSend, sumRecv, sumCPU, sumMem float64

	for _, s := range samples {
		send = append(send, s.SendRate)
		recv = append(recv, s.RecvRate)
		sumSend += s.SendRate
		sumRecv += s.RecvRate
		sumCPU += s.CPUPct
		sumMem += s.MemPct
		if s.SendRate == 0 && s.RecvRate == 0 {
			sum.IdleSamples++
		}
		if s.Timestamp.Before(sum.From) {
			sum.From = s.Timestamp
		}
		if s.Timestamp.After(sum.To) {
			sum.To = s.Timestamp
		}
	}

	sort.Float64s(send)
	sort.Float64s(recv)
	count := float64(len(samples))
	sum.AvgSendBps = sumSend / count
	sum.AvgRecvBps = sumRecv / count
	sum.P95SendBps = percentile(send, 0.95)
	sum.P95RecvBps = percentile(recv, 0.95)
	sum.MaxSendBps = send[len(send)-1]
	sum.MaxRecvBps = recv[len(recv)-1]
	sum.AvgCPUPct = sumCPU / count
	sum.AvgMemPct = sumMem / count
	return sum
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
