// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtp

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Comcast/gots/packet"
)

const tsSyncByte = 0x47

// TSStats summarises the MPEG-TS packets carried in RTP payloads.
type TSStats struct {
	Packets    uint64
	SyncErrors uint64
	UnitStarts uint64
	PIDs       []PIDCount
}

// PIDCount is the number of packets seen for one PID.
type PIDCount struct {
	PID     int
	Packets uint64
}

// TSInspector counts the 188-byte transport packets inside RTP payloads. Inspect
// is called from the intake goroutine; Stats may be called from anywhere.
type TSInspector struct {
	packets    atomic.Uint64
	syncErrors atomic.Uint64
	unitStarts atomic.Uint64

	mu   sync.Mutex
	pids map[int]uint64
}

// NewTSInspector returns an empty inspector.
func NewTSInspector() *TSInspector {
	return &TSInspector{pids: make(map[int]uint64)}
}

// Inspect walks payload in transport packet steps and returns the number of
// well-formed packets. Trailing partial packets are ignored.
func (i *TSInspector) Inspect(payload []byte) (good int, syncErrors int) {
	var pkt packet.Packet
	for off := 0; off+packet.PacketSize <= len(payload); off += packet.PacketSize {
		copy(pkt[:], payload[off:off+packet.PacketSize])
		if pkt[0] != tsSyncByte {
			syncErrors++
			continue
		}
		good++
		pid := pkt.PID()
		if packet.PayloadUnitStartIndicator(&pkt) {
			i.unitStarts.Add(1)
		}
		i.mu.Lock()
		i.pids[pid]++
		i.mu.Unlock()
	}
	i.packets.Add(uint64(good))
	i.syncErrors.Add(uint64(syncErrors))
	return good, syncErrors
}

// Stats returns a snapshot ordered by PID.
func (i *TSInspector) Stats() TSStats {
	i.mu.Lock()
	pids := make([]PIDCount, 0, len(i.pids))
	for pid, n := range i.pids {
		pids = append(pids, PIDCount{PID: pid, Packets: n})
	}
	i.mu.Unlock()
	sort.Slice(pids, func(a, b int) bool { return pids[a].PID < pids[b].PID })

	return TSStats{
		Packets:    i.packets.Load(),
		SyncErrors: i.syncErrors.Load(),
		UnitStarts: i.unitStarts.Load(),
		PIDs:       pids,
	}
}

// Reset clears all counters.
func (i *TSInspector) Reset() {
	i.packets.Store(0)
	i.syncErrors.Store(0)
	i.unitStarts.Store(0)
	i.mu.Lock()
	i.pids = make(map[int]uint64)
	i.mu.Unlock()
}
