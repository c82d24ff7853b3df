// Copyright 2025 Overdrive Energy Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package venus_keepalive_plugin keeps Venus OS devices publishing. The GX
// broker stops pushing N/<portal>/... notifications unless something asks
// for them regularly, so this input publishes a keepalive request per portal
// on a fixed interval and emits one status record per round, making edge
// liveness itself a telemetry stream.
package venus_keepalive_plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// Keepalive modes. Modern Venus firmware answers R/<portal>/keepalive;
// older builds only wake up when a concrete value such as the system serial
// is requested.
const (
	ModeKeepalive = "keepalive"
	ModeLegacy    = "legacy"
)

// VenusKeepaliveConfig holds the configuration for the keepalive input.
type VenusKeepaliveConfig struct {
	Broker    string
	PortalIDs []string
	Interval  time.Duration
	Mode      string
	ClientID  string
	Username  string
	Password  string
}

// mqttConn is the slice of the paho client the input actually uses, kept
// narrow so tests can substitute a fake broker connection.
type mqttConn interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
}

// portalStatus is one emitted status record.
type portalStatus struct {
	PortalID    string `json:"portal_id"`
	OK          bool   `json:"ok"`
	RoundTripMS int64  `json:"round_trip_ms"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func init() {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Publish Venus OS keepalive requests and emit per-portal status records").
		Description(`Venus OS devices stop publishing telemetry unless a keepalive is sent to
R/<portal_id>/keepalive at least every 60 seconds. This input maintains its
own broker session, publishes the keepalive for every configured portal each
interval, and produces one JSON status message per portal per round:

  {"portal_id": "48e7da87c3ef", "ok": true, "round_trip_ms": 3, ...}

so dashboards can alarm on a portal that stopped answering. Legacy mode
requests R/<portal_id>/system/0/Serial instead, for firmware that predates
the keepalive endpoint.`).
		Field(service.NewStringField("broker").
			Description("MQTT broker URL").
			Example("tcp://localhost:1883")).
		Field(service.NewStringListField("portal_ids").
			Description("VRM portal IDs to keep alive").
			Example([]string{"48e7da87c3ef"})).
		Field(service.NewDurationField("interval").
			Description("Time between keepalive rounds").
			Default("30s")).
		Field(service.NewStringEnumField("mode", ModeKeepalive, ModeLegacy).
			Description("keepalive publishes to R/<portal>/keepalive, legacy requests the system serial instead").
			Default(ModeKeepalive).
			Advanced()).
		Field(service.NewStringField("client_id").
			Description("MQTT client identifier").
			Default("ovr-venus-keepalive").
			Advanced()).
		Field(service.NewStringField("username").
			Description("Broker username").
			Default("").
			Advanced()).
		Field(service.NewStringField("password").
			Description("Broker password").
			Default("").
			Secret().
			Advanced())

	err := service.RegisterBatchInput(
		"venus_keepalive",
		spec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchInput, error) {
			config, err := parseVenusKeepaliveConfig(conf)
			if err != nil {
				return nil, err
			}
			return newVenusKeepaliveInput(config, mgr.Logger(), mgr.Metrics()), nil
		})
	if err != nil {
		panic(err)
	}
}

func parseVenusKeepaliveConfig(conf *service.ParsedConfig) (VenusKeepaliveConfig, error) {
	var config VenusKeepaliveConfig
	var err error

	if config.Broker, err = conf.FieldString("broker"); err != nil {
		return config, err
	}
	if config.Broker == "" {
		return config, fmt.Errorf("'broker' must be provided")
	}
	if config.PortalIDs, err = conf.FieldStringList("portal_ids"); err != nil {
		return config, err
	}
	if len(config.PortalIDs) == 0 {
		return config, fmt.Errorf("at least one portal ID is required")
	}
	for _, portal := range config.PortalIDs {
		if strings.ContainsAny(portal, "/#+") || portal == "" {
			return config, fmt.Errorf("invalid portal ID %q", portal)
		}
	}
	if config.Interval, err = conf.FieldDuration("interval"); err != nil {
		return config, err
	}
	if config.Interval <= 0 {
		return config, fmt.Errorf("interval must be positive")
	}
	if config.Mode, err = conf.FieldString("mode"); err != nil {
		return config, err
	}
	if config.ClientID, err = conf.FieldString("client_id"); err != nil {
		return config, err
	}
	if config.Username, err = conf.FieldString("username"); err != nil {
		return config, err
	}
	if config.Password, err = conf.FieldString("password"); err != nil {
		return config, err
	}
	return config, nil
}

// KeepaliveTopic returns the request topic for one portal in the given mode.
func KeepaliveTopic(portalID, mode string) string {
	if mode == ModeLegacy {
		return "R/" + portalID + "/system/0/Serial"
	}
	return "R/" + portalID + "/keepalive"
}

// VenusKeepaliveInput publishes keepalives and emits status batches.
type VenusKeepaliveInput struct {
	config  VenusKeepaliveConfig
	client  mqttConn
	ticker  *time.Ticker
	logger  *service.Logger
	metrics *VenusKeepaliveMetrics

	// now is replaceable for tests.
	now func() time.Time
}

func newVenusKeepaliveInput(config VenusKeepaliveConfig, logger *service.Logger, metrics *service.Metrics) *VenusKeepaliveInput {
	return &VenusKeepaliveInput{
		config:  config,
		logger:  logger,
		metrics: NewVenusKeepaliveMetrics(metrics),
		now:     time.Now,
	}
}

// Connect establishes the broker session. The paho client reconnects on its
// own after transient drops; publish failures while disconnected surface as
// not-ok status records rather than input errors.
func (v *VenusKeepaliveInput) Connect(ctx context.Context) error {
	if v.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(v.config.Broker).
			SetClientID(v.config.ClientID).
			SetAutoReconnect(true).
			SetConnectRetryInterval(5 * time.Second).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				v.metrics.IncrementReconnects()
				v.logger.Warnf("Lost connection to %s: %v", v.config.Broker, err)
			})
		if v.config.Username != "" {
			opts.SetUsername(v.config.Username)
			opts.SetPassword(v.config.Password)
		}
		v.client = mqtt.NewClient(opts)
	}

	token := v.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", v.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("error while connecting to %s: %w", v.config.Broker, err)
	}

	if v.ticker == nil {
		v.ticker = time.NewTicker(v.config.Interval)
	}
	v.logger.Infof("Keeping %d portal(s) alive via %s every %v", len(v.config.PortalIDs), v.config.Broker, v.config.Interval)
	return nil
}

// ReadBatch waits for the next round, publishes one keepalive per portal and
// returns the round's status records.
func (v *VenusKeepaliveInput) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-v.ticker.C:
	}
	return v.publishRound(), func(ctx context.Context, err error) error { return nil }, nil
}

// publishRound runs one keepalive round over every configured portal.
func (v *VenusKeepaliveInput) publishRound() service.MessageBatch {
	batch := make(service.MessageBatch, 0, len(v.config.PortalIDs))
	for _, portal := range v.config.PortalIDs {
		status := v.keepAlive(portal)
		payload, err := json.Marshal(status)
		if err != nil {
			v.logger.Errorf("Error encoding keepalive status for %s: %v", portal, err)
			continue
		}
		msg := service.NewMessage(payload)
		msg.MetaSet("portal_id", portal)
		batch = append(batch, msg)
	}
	return batch
}

// keepAlive publishes one request and reports how the broker took it. The
// payload is empty, Venus only cares that the topic was touched.
func (v *VenusKeepaliveInput) keepAlive(portal string) portalStatus {
	topic := KeepaliveTopic(portal, v.config.Mode)
	started := v.now()
	status := portalStatus{
		PortalID:  portal,
		Timestamp: started.UTC().Format(time.RFC3339),
	}

	token := v.client.Publish(topic, 0, false, []byte{})
	if !token.WaitTimeout(v.config.Interval) {
		status.Error = "publish timed out"
	} else if err := token.Error(); err != nil {
		status.Error = err.Error()
	}
	status.RoundTripMS = v.now().Sub(started).Milliseconds()
	status.OK = status.Error == ""

	if status.OK {
		v.metrics.IncrementKeepalivesSent()
	} else {
		v.metrics.IncrementKeepaliveFailures()
		v.logger.Warnf("Keepalive for portal %s failed: %s", portal, status.Error)
	}
	return status
}

// Close stops the rounds and disconnects from the broker.
func (v *VenusKeepaliveInput) Close(ctx context.Context) error {
	if v.ticker != nil {
		v.ticker.Stop()
	}
	if v.client != nil && v.client.IsConnectionOpen() {
		v.client.Disconnect(250)
	}
	return nil
}
