// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/ratchet-net/ratchet-go/discovery"
	"github.com/ratchet-net/ratchet-go/endpoint"
	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/transport"
	"github.com/ratchet-net/ratchet-go/wire"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Server    serverConf
	Secure    secureConf
	Discovery discoveryConf
	Log       logConf
}

// serverConf describes the server block.
type serverConf struct {
	Name       string
	Port       uint16
	ProtocolID uint32 `toml:"protocol-id"`
}

// secureConf describes the optional secure block. With a private key set,
// only matchmaker-issued connect tokens are accepted.
type secureConf struct {
	Address    string
	PrivateKey string `toml:"private-key"`
}

// discoveryConf describes the discovery block.
type discoveryConf struct {
	Enable      bool
	IntervalSec uint `toml:"interval"`
	IPv4        bool
	IPv6        bool
}

// logConf describes the log block.
type logConf struct {
	Level string
}

func (lc logConf) apply() {
	if lc.Level == "" {
		return
	}

	if level, err := log.ParseLevel(lc.Level); err != nil {
		log.WithError(err).Warn("Unknown log level")
	} else {
		log.SetLevel(level)
	}
}

// parseConfig builds the server and its collaborators from the TOML file.
func parseConfig(filename string) (serv *endpoint.Server, trans transport.Interface, sock *transport.Socket, disc *discovery.Service, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	conf.Log.apply()

	if conf.Server.ProtocolID == 0 {
		err = fmt.Errorf("server.protocol-id is empty")
		return
	}

	sock, err = transport.NewSocket(conf.Server.Port)
	if err != nil {
		return
	}

	trans = transport.NewSocketInterface(sock, packet.ClientServerFactory{}, conf.Server.ProtocolID)

	if conf.Secure.PrivateKey != "" {
		var key []byte
		if key, err = hex.DecodeString(conf.Secure.PrivateKey); err != nil {
			return
		}
		if len(key) != token.KeyBytes {
			err = fmt.Errorf("secure.private-key has %d bytes, wants %d", len(key), token.KeyBytes)
			return
		}

		var addr wire.Address
		if addr, err = wire.ParseAddress(conf.Secure.Address); err != nil {
			return
		}

		serv, err = endpoint.NewSecureServer(trans, message.BuiltinFactory{}, conf.Server.ProtocolID, addr, key)
	} else {
		serv, err = endpoint.NewServer(trans, message.BuiltinFactory{}, conf.Server.ProtocolID)
	}
	if err != nil {
		return
	}

	if conf.Discovery.Enable {
		announcement := discovery.Announcement{
			Name:       conf.Server.Name,
			ProtocolID: conf.Server.ProtocolID,
			Port:       conf.Server.Port,
			MaxPlayers: endpoint.MaxClients,
		}

		disc, err = discovery.NewService(announcement,
			conf.Discovery.IntervalSec, conf.Discovery.IPv4, conf.Discovery.IPv6, nil)
		if err != nil {
			return
		}
	}

	return
}

// watchConfig re-applies the log block whenever the configuration file
// changes. Everything else needs a restart.
func watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Op&fsnotify.Write == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Reloading configuration failed")
					continue
				}

				conf.Log.apply()
				log.WithFields(log.Fields{
					"level": log.GetLevel(),
				}).Info("Reloaded log configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				log.WithError(err).Warn("Configuration watcher failed")
			}
		}
	}()

	return watcher, nil
}
