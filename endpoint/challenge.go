// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"encoding/binary"

	"github.com/twmb/murmur3"

	"github.com/ratchet-net/ratchet-go/wire"
)

// challengeEntry is one pending handshake on the server: the claimed client
// identity, the salt the client must echo, and the timing fields gating
// resends and expiry.
type challengeEntry struct {
	clientID           uint64
	challengeSalt      uint64
	createTime         float64
	lastPacketSendTime float64
	address            wire.Address
}

// challengeHash is an open-addressed table of pending handshakes, indexed by
// a keyed hash over (address, client id). The key folds in a per-process
// random seed, so an attacker cannot aim requests at one slot. Occupancy is
// capped at a quarter of the table; beyond that, unknown clients are dropped
// instead of evicting live entries. The cap counts live entries only:
// expired slots are reclaimed whenever they are observed, and the whole
// table is swept once occupancy pressure hits the cap.
type challengeHash struct {
	seed       uint64
	numEntries int
	exists     [ChallengeHashSize]bool
	entries    [ChallengeHashSize]challengeEntry
}

func newChallengeHash(seed uint64) *challengeHash {
	return &challengeHash{seed: seed}
}

// index computes the table slot for an address and client identity.
func (ch *challengeHash) index(addr wire.Address, clientID uint64) int {
	var idBuf, seedBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], clientID)
	binary.LittleEndian.PutUint64(seedBuf[:], ch.seed)

	key := murmur3.SeedSum64(0, []byte(addr.String()))
	key = murmur3.SeedSum64(key, idBuf[:])
	key = murmur3.SeedSum64(key, seedBuf[:])

	return int(key % ChallengeHashSize)
}

// reap frees a slot whose entry has expired, so it counts as free again.
func (ch *challengeHash) reap(index int, now float64) {
	if ch.exists[index] && ch.entries[index].createTime+ChallengeTimeout < now {
		ch.exists[index] = false
		ch.numEntries--
	}
}

// sweep reaps every slot. Runs only when occupancy pressure hits the cap.
func (ch *challengeHash) sweep(now float64) {
	for i := range ch.entries {
		ch.reap(i, now)
	}
}

// find returns the live entry for (addr, clientID), or nil.
func (ch *challengeHash) find(addr wire.Address, clientID uint64, now float64) *challengeEntry {
	index := ch.index(addr, clientID)
	ch.reap(index, now)

	if ch.exists[index] &&
		ch.entries[index].clientID == clientID &&
		ch.entries[index].address.Equal(addr) {
		return &ch.entries[index]
	}

	return nil
}

// findOrInsert returns the live entry for (addr, clientID), creating one in
// a free slot. A nil return means the request is dropped: the slot belongs
// to someone else, or the table is at its occupancy cap even after a sweep.
// The inserted flag is set when a new entry was created, i.e. the first time
// this (addr, clientID) pair is seen.
func (ch *challengeHash) findOrInsert(addr wire.Address, clientID uint64, salt uint64, now float64) (entry *challengeEntry, inserted bool) {
	index := ch.index(addr, clientID)
	ch.reap(index, now)

	if ch.exists[index] {
		if ch.entries[index].clientID == clientID && ch.entries[index].address.Equal(addr) {
			return &ch.entries[index], false
		}

		// Live entry of another client; never evict it.
		return nil, false
	}

	// Conservative cap against clustering under a request flood.
	if ch.numEntries >= ChallengeHashSize/4 {
		ch.sweep(now)
	}
	if ch.numEntries >= ChallengeHashSize/4 {
		return nil, false
	}

	ch.numEntries++
	ch.exists[index] = true
	ch.entries[index] = challengeEntry{
		clientID:      clientID,
		challengeSalt: salt,
		createTime:    now,
		// Two send rates in the past, the first challenge goes out at once.
		lastPacketSendTime: now - 2*ChallengeSendRate,
		address:            addr,
	}

	return &ch.entries[index], true
}

// remove frees the entry for (addr, clientID), if it is live. Called when a
// handshake completes and its entry is no longer needed.
func (ch *challengeHash) remove(addr wire.Address, clientID uint64) {
	index := ch.index(addr, clientID)

	if ch.exists[index] &&
		ch.entries[index].clientID == clientID &&
		ch.entries[index].address.Equal(addr) {
		ch.exists[index] = false
		ch.numEntries--
	}
}

// findByResponse scans for the live entry matching a challenge response.
// The response packet only carries the echoed salt, so this lookup goes by
// (address, salt) instead of the hash key. Expired slots are reaped on the
// way.
func (ch *challengeHash) findByResponse(addr wire.Address, salt uint64, now float64) *challengeEntry {
	for i := range ch.entries {
		ch.reap(i, now)

		if !ch.exists[i] {
			continue
		}

		entry := &ch.entries[i]
		if entry.address.Equal(addr) && entry.challengeSalt == salt {
			return entry
		}
	}

	return nil
}
