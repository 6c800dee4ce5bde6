// SPDX-License-Identifier: MIT

// Package mqtt ingests sample batches from an MQTT broker and publishes
// classification state back to it.
package mqtt

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"biostream/internal/config"
	"biostream/internal/log"
)

const connectTimeout = 10 * time.Second

var mqttLog = log.New("mqtt")

// connect dials the broker. Reconnection is disabled: a lost connection ends
// the session and onLost is called.
func connect(cfg config.MQTTConfig, clientID string, onLost func(error)) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		mqttLog.Infof("connected to %s as %s", cfg.Broker, clientID)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqttLog.Warnf("connection to %s lost: %v", cfg.Broker, err)
		if onLost != nil {
			onLost(err)
		}
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// FormatTopic expands the {session_id} placeholder.
func FormatTopic(pattern, sessionID string) string {
	return strings.ReplaceAll(pattern, "{session_id}", sessionID)
}
