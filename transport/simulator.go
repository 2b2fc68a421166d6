// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"math/rand"

	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/wire"
)

// Simulator is an in-memory network between simulated endpoints. It applies
// configurable loss, duplication and reordering to every datagram, driven by
// a seeded random source for reproducible runs. Datagrams still pass the
// full framing pipeline, so everything up to the checksum behaves like the
// real network.
type Simulator struct {
	rng *rand.Rand

	lossRate      float64
	duplicateRate float64
	reorderRate   float64

	queues map[string][]simDatagram
}

type simDatagram struct {
	from wire.Address
	data []byte
}

// NewSimulator creates a lossless Simulator with the given random seed.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		queues: make(map[string][]simDatagram),
	}
}

// SetLossRate drops the given fraction of datagrams.
func (sim *Simulator) SetLossRate(rate float64) { sim.lossRate = rate }

// SetDuplicateRate delivers the given fraction of datagrams twice.
func (sim *Simulator) SetDuplicateRate(rate float64) { sim.duplicateRate = rate }

// SetReorderRate inserts the given fraction of datagrams at a random queue
// position instead of the tail.
func (sim *Simulator) SetReorderRate(rate float64) { sim.reorderRate = rate }

// Endpoint attaches a simulated endpoint under the given address.
func (sim *Simulator) Endpoint(addr wire.Address, factory packet.Factory, protocolID uint32) *SimulatorInterface {
	sim.queues[addr.String()] = nil

	return &SimulatorInterface{
		core: newCore(factory, protocolID),
		sim:  sim,
		addr: addr,
	}
}

func (sim *Simulator) deliver(from, to wire.Address, data []byte) {
	key := to.String()
	if _, ok := sim.queues[key]; !ok {
		// No such endpoint, the datagram vanishes like on a real network.
		return
	}

	if sim.rng.Float64() < sim.lossRate {
		return
	}

	copies := 1
	if sim.rng.Float64() < sim.duplicateRate {
		copies = 2
	}

	for i := 0; i < copies; i++ {
		dg := simDatagram{from: from, data: data}

		queue := sim.queues[key]
		if len(queue) > 0 && sim.rng.Float64() < sim.reorderRate {
			pos := sim.rng.Intn(len(queue))
			queue = append(queue[:pos], append([]simDatagram{dg}, queue[pos:]...)...)
		} else {
			queue = append(queue, dg)
		}

		sim.queues[key] = queue
	}
}

// SimulatorInterface is the Interface of one simulated endpoint.
type SimulatorInterface struct {
	core

	sim  *Simulator
	addr wire.Address
}

func (si *SimulatorInterface) WritePackets() {
	for _, entry := range si.sendQueue {
		data, ok := si.writeDatagram(entry)
		if !ok {
			continue
		}

		si.sim.deliver(si.addr, entry.addr, data)
		si.counters[CounterPacketsWritten]++
	}

	si.sendQueue = si.sendQueue[:0]
}

func (si *SimulatorInterface) ReadPackets() {
	key := si.addr.String()

	for _, dg := range si.sim.queues[key] {
		si.readDatagram(dg.from, dg.data)
	}

	si.sim.queues[key] = nil
}
