// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// DiscoveredServer is one server heard on the local network.
type DiscoveredServer struct {
	Announcement

	// Address is the sender's IP in printable form; IPv6 is bracketed so
	// that appending ":port" yields a dialable address.
	Address string
}

// Service multicasts Announcements for one server and hands inbound
// announcements of other servers to an optional callback.
type Service struct {
	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewService starts announcing. The interval says how often the announcement
// leaves, notify may be nil for announce-only operation.
func NewService(announcement Announcement, intervalSec uint, ipv4, ipv6 bool, notify func(DiscoveredServer)) (*Service, error) {
	log.WithFields(log.Fields{
		"interval": intervalSec,
		"ipv4":     ipv4,
		"ipv6":     ipv6,
		"message":  announcement,
	}).Info("Started discovery service")

	service := &Service{}
	if ipv4 {
		service.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		service.stopChan6 = make(chan struct{})
	}

	msg, err := MarshalAnnouncements([]Announcement{announcement})
	if err != nil {
		return nil, err
	}

	handle := func(bracket bool) func(discovered peerdiscovery.Discovered) {
		return func(discovered peerdiscovery.Discovered) {
			if bracket {
				discovered.Address = fmt.Sprintf("[%s]", discovered.Address)
			}

			announcements, err := UnmarshalAnnouncements(discovered.Payload)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"peer": discovered.Address,
				}).Warn("Discovery failed to parse incoming package")

				return
			}

			if notify == nil {
				return
			}

			for _, a := range announcements {
				notify(DiscoveredServer{Announcement: a, Address: discovered.Address})
			}
		}
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, Address4, service.stopChan4, peerdiscovery.IPv4, handle(false)},
		{ipv6, Address6, service.stopChan6, peerdiscovery.IPv6, handle(true)},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", Port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            time.Duration(intervalSec) * time.Second,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}
	}

	return service, nil
}

// Close stops announcing.
func (service *Service) Close() {
	for _, c := range []chan struct{}{service.stopChan4, service.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}

// Discover listens for server announcements until the timeout passes and
// returns everything heard, deduplicated by address and server name.
func Discover(timeout time.Duration, ipv4 bool) ([]DiscoveredServer, error) {
	var servers []DiscoveredServer
	seen := make(map[string]bool)

	ipVersion := peerdiscovery.IPv4
	multicastAddress := Address4
	if !ipv4 {
		ipVersion = peerdiscovery.IPv6
		multicastAddress = Address6
	}

	// A discoverer announces an empty array; other listeners skip it.
	msg, err := MarshalAnnouncements(nil)
	if err != nil {
		return nil, err
	}

	discovered, err := peerdiscovery.Discover(peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", Port),
		MulticastAddress: multicastAddress,
		Payload:          msg,
		Delay:            500 * time.Millisecond,
		TimeLimit:        timeout,
		AllowSelf:        true,
		IPVersion:        ipVersion,
	})
	if err != nil {
		return nil, err
	}

	for _, d := range discovered {
		addr := d.Address
		if !ipv4 {
			addr = fmt.Sprintf("[%s]", addr)
		}

		announcements, err := UnmarshalAnnouncements(d.Payload)
		if err != nil {
			continue
		}

		for _, a := range announcements {
			key := fmt.Sprintf("%s/%s", addr, a.Name)
			if seen[key] {
				continue
			}
			seen[key] = true

			servers = append(servers, DiscoveredServer{Announcement: a, Address: addr})
		}
	}

	return servers, nil
}
