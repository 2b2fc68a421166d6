// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ratchet-client is a line-oriented chat client: it connects to a server,
// sends every stdin line as a reliable text message and prints what comes
// back. The server is given directly, found via LAN discovery, or reached
// through a matchmaker issuing a connect token.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ratchet-net/ratchet-go/discovery"
	"github.com/ratchet-net/ratchet-go/endpoint"
	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/transport"
	"github.com/ratchet-net/ratchet-go/wire"
)

const tickRate = 10

func main() {
	var (
		serverFlag     = flag.String("server", "", "server address, host:port")
		discoverFlag   = flag.Bool("discover", false, "discover servers on the LAN and connect to the first")
		matchmakerFlag = flag.String("matchmaker", "", "matchmaker base URL, e.g. http://localhost:8080")
		protocolFlag   = flag.Uint("protocol-id", 0x12341651, "protocol id")
		debugFlag      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if *debugFlag {
		log.SetLevel(log.DebugLevel)
	}

	protocolID := uint32(*protocolFlag)

	serverAddr, err := resolveServer(*serverFlag, *discoverFlag, protocolID)
	if err != nil {
		log.WithError(err).Fatal("No server to connect to")
	}

	sock, err := transport.NewSocket(0)
	if err != nil {
		log.WithError(err).Fatal("Binding socket failed")
	}
	defer sock.Close()

	trans := transport.NewSocketInterface(sock, packet.ClientServerFactory{}, protocolID)
	client := endpoint.NewClient(trans, message.BuiltinFactory{})

	if *matchmakerFlag != "" {
		if err := connectThroughMatchmaker(client, *matchmakerFlag, serverAddr); err != nil {
			log.WithError(err).Fatal("Matchmaker connect failed")
		}
	} else {
		if err := client.Connect(serverAddr, 0); err != nil {
			log.WithError(err).Fatal("Connect failed")
		}
	}

	lines := readLines()

	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()

	start := time.Now()

	for range ticker.C {
		now := time.Since(start).Seconds()

		trans.ReadPackets()
		client.ReceivePackets(now)

		for {
			msg := client.ReceiveMessage()
			if msg == nil {
				break
			}

			if text, ok := msg.(*message.TextMessage); ok {
				fmt.Printf("< %s\n", text.Text)
			}
		}

	input:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					client.Disconnect(now)
					trans.WritePackets()
					return
				}

				if err := client.SendMessage(message.NewTextMessage(line)); err != nil {
					log.WithError(err).Fatal("Sending failed")
				}

			default:
				break input
			}
		}

		client.SendPackets(now)
		client.CheckForTimeout(now)
		trans.WritePackets()

		if client.ConnectionFailed() {
			log.WithFields(log.Fields{
				"state": client.State(),
			}).Fatal("Connection failed")
		}
	}
}

// resolveServer picks the server address: explicit flag first, LAN discovery
// as the alternative.
func resolveServer(serverFlag string, discover bool, protocolID uint32) (wire.Address, error) {
	if serverFlag != "" {
		return wire.ParseAddress(serverFlag)
	}

	if !discover {
		return wire.Address{}, fmt.Errorf("neither -server nor -discover given")
	}

	log.Info("Discovering servers..")

	servers, err := discovery.Discover(3*time.Second, true)
	if err != nil {
		return wire.Address{}, err
	}

	for _, s := range servers {
		if s.ProtocolID != protocolID {
			continue
		}

		log.WithFields(log.Fields{
			"name":    s.Name,
			"address": s.Address,
			"port":    s.Port,
		}).Info("Found server")

		return wire.ParseAddress(fmt.Sprintf("%s:%d", s.Address, s.Port))
	}

	return wire.Address{}, fmt.Errorf("no server found")
}

// readLines pumps stdin lines into a channel, closed on EOF.
func readLines() <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return lines
}
