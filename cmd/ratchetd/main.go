// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ratchetd is the server daemon: it accepts client connections on a UDP
// port, echoes every received text message back to its sender and, if
// configured, announces itself on the local network. The configuration is a
// TOML file; the log block is re-applied when the file changes.
package main

import (
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ratchet-net/ratchet-go/endpoint"
	"github.com/ratchet-net/ratchet-go/message"
)

// tickRate is the server's simulation rate in ticks per second.
const tickRate = 10

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	serv, trans, sock, disc, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}
	defer sock.Close()

	if disc != nil {
		defer disc.Close()
	}

	watcher, err := watchConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Failed to watch config, continuing without")
	} else {
		defer watcher.Close()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()

	start := time.Now()

	for {
		select {
		case <-signalChan:
			log.Info("Shutting down..")

			now := time.Since(start).Seconds()
			for i := 0; i < endpoint.MaxClients; i++ {
				serv.DisconnectClient(i, now)
			}
			trans.WritePackets()

			return

		case <-ticker.C:
			now := time.Since(start).Seconds()

			trans.ReadPackets()
			tick(serv, now)
			serv.SendPackets(now)
			serv.CheckForTimeout(now)
			trans.WritePackets()
		}
	}
}

// tick processes one receive round: every text message is echoed back to the
// client it came from.
func tick(serv *endpoint.Server, now float64) {
	serv.ReceivePackets(now)

	for i := 0; i < endpoint.MaxClients; i++ {
		if !serv.IsClientConnected(i) {
			continue
		}

		for {
			msg := serv.ReceiveMessage(i)
			if msg == nil {
				break
			}

			text, ok := msg.(*message.TextMessage)
			if !ok {
				continue
			}

			log.WithFields(log.Fields{
				"client": i,
				"text":   text.Text,
			}).Debug("Received message")

			if serv.CanSendMessage(i) {
				if err := serv.SendMessage(i, message.NewTextMessage(text.Text)); err != nil {
					log.WithError(err).WithFields(log.Fields{
						"client": i,
					}).Warn("Echoing message failed")
				}
			}
		}
	}
}
