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

package victron_topics_plugin

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/redpanda-data/benthos/v4/public/service"
	"golang.org/x/time/rate"

	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/venus"
)

// Operating modes. Allowlist mode drops paths outside the rule tables,
// permissive mode rewrites what it can and forwards the rest untouched.
const (
	ModeAllowlist  = "allowlist"
	ModePermissive = "permissive"
)

// VictronTopicsConfig holds the configuration for the topic normalizer. The
// rule tables are frozen at construction; message processing never mutates
// them.
type VictronTopicsConfig struct {
	Mode             string              `json:"mode" yaml:"mode"`
	TopicMetadataKey string              `json:"topic_metadata_key" yaml:"topic_metadata_key"`
	GlobalPrefixes   []string            `json:"global_prefixes" yaml:"global_prefixes"`
	ServicePrefixes  map[string][]string `json:"service_prefixes" yaml:"service_prefixes"`
	CacheSize        int                 `json:"cache_size" yaml:"cache_size"`
}

// Default rule tables, mirroring the Venus value vocabulary the fleet maps
// today. Deployments override both lists in config.
var (
	defaultGlobalPrefixes = []string{
		"Ac/", "Dc/", "Soc", "Pv/", "Yield/", "Ess/", "Alarms/", "State", "Mode", "Relay/",
	}
	defaultServicePrefixes = map[string][]string{
		"vebus":        {"Settings/"},
		"system":       {"Serial", "SystemState/"},
		"battery":      {"Capacity", "TimeToGo", "History/"},
		"solarcharger": {"History/", "Load/"},
	}
)

// fallbackTopicKey is tried when the configured metadata key is absent, since
// the stock mqtt input stores the topic under mqtt_topic.
const fallbackTopicKey = "mqtt_topic"

func init() {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Normalize Venus OS MQTT topics into victron_* metric series").
		Description(`The victron_topics processor turns raw Venus OS notification topics into
canonical metric names and tags for the time-series write path.

Input: messages whose metadata carries the MQTT topic, e.g.
N/48e7da87c3ef/system/0/Ac/ConsumptionOnOutput/L1/Power. The payload is the
sampled value and is never touched.

The processor will:
1. Parse the topic into portal, service, instance and path segments. Topics
   that are not Venus notifications pass through unmodified.
2. In allowlist mode, drop paths that match no prefix rule. Rules are a global
   prefix list plus per-service extras (vebus additionally allows Settings/).
   Permissive mode never drops.
3. Extract L1/L2/L3 path segments into a phase tag (last occurrence wins).
4. Build the metric name victron_<service>_<path> in lowercase with
   underscore runs collapsed, e.g. victron_system_ac_consumptiononoutput_power.
5. Set service, instance and phase metadata, and remove the raw topic
   metadata so the full topic string cannot blow up series cardinality.

A topic whose path is nothing but phase markers is passed through unmodified
rather than renamed to an empty name.`).
		Field(service.NewStringEnumField("mode", ModeAllowlist, ModePermissive).
			Description("allowlist drops paths outside the rule tables, permissive rewrites without dropping").
			Default(ModeAllowlist)).
		Field(service.NewStringField("topic_metadata_key").
			Description("Metadata key holding the raw MQTT topic").
			Default("topic")).
		Field(service.NewStringListField("global_prefixes").
			Description("Path prefixes allowed for every service. Omit to use the fleet defaults.").
			Example([]string{"Ac/", "Dc/", "Soc"}).
			Optional()).
		Field(service.NewObjectListField("service_prefixes",
			service.NewStringField("service").
				Description("Service name the extra prefixes apply to"),
			service.NewStringListField("prefixes").
				Description("Additional allowed path prefixes for this service")).
			Description("Per-service additions to the global prefix list. Omit to use the fleet defaults.").
			Optional()).
		Field(service.NewIntField("cache_size").
			Description("Size of the topic rewrite cache, 0 disables caching").
			Default(4096).
			Advanced())

	err := service.RegisterBatchProcessor(
		"victron_topics",
		spec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchProcessor, error) {
			config, err := parseVictronTopicsConfig(conf)
			if err != nil {
				return nil, err
			}
			return newVictronTopicsProcessor(config, mgr.Logger(), mgr.Metrics())
		})
	if err != nil {
		panic(err)
	}
}

func parseVictronTopicsConfig(conf *service.ParsedConfig) (VictronTopicsConfig, error) {
	var config VictronTopicsConfig
	var err error

	if config.Mode, err = conf.FieldString("mode"); err != nil {
		return config, err
	}
	if config.TopicMetadataKey, err = conf.FieldString("topic_metadata_key"); err != nil {
		return config, err
	}
	if config.CacheSize, err = conf.FieldInt("cache_size"); err != nil {
		return config, err
	}

	if conf.Contains("global_prefixes") {
		if config.GlobalPrefixes, err = conf.FieldStringList("global_prefixes"); err != nil {
			return config, err
		}
	} else {
		config.GlobalPrefixes = defaultGlobalPrefixes
	}

	if conf.Contains("service_prefixes") {
		rules, err := conf.FieldObjectList("service_prefixes")
		if err != nil {
			return config, err
		}
		config.ServicePrefixes = make(map[string][]string, len(rules))
		for _, rule := range rules {
			svc, err := rule.FieldString("service")
			if err != nil {
				return config, err
			}
			prefixes, err := rule.FieldStringList("prefixes")
			if err != nil {
				return config, err
			}
			config.ServicePrefixes[svc] = prefixes
		}
	} else {
		config.ServicePrefixes = defaultServicePrefixes
	}

	return config, nil
}

// rewriteOutcome is the per-message verdict. All three are expected, frequent
// results of normal operation, never errors.
type rewriteOutcome int

const (
	outcomePassthrough rewriteOutcome = iota
	outcomeDropped
	outcomeRewritten
)

// rewriteDecision caches the full verdict for one topic string. The decision
// is a pure function of the topic and the frozen rule tables, so caching it
// cannot change any output.
type rewriteDecision struct {
	outcome    rewriteOutcome
	metricName string
	service    string
	instance   string
	phase      string
}

// VictronTopicsProcessor normalizes Venus topics message by message. It holds
// no cross-message state beyond the bounded rewrite cache.
type VictronTopicsProcessor struct {
	config     VictronTopicsConfig
	allowlist  *Allowlist
	logger     *service.Logger
	metrics    *VictronTopicsMetrics
	cache      *lru.Cache
	logLimiter *rate.Limiter
}

func newVictronTopicsProcessor(config VictronTopicsConfig, logger *service.Logger, metrics *service.Metrics) (*VictronTopicsProcessor, error) {
	p := &VictronTopicsProcessor{
		config:     config,
		logger:     logger,
		metrics:    NewVictronTopicsMetrics(metrics),
		logLimiter: rate.NewLimiter(rate.Every(1*time.Second), 1),
	}

	if config.Mode == ModeAllowlist {
		allowlist, err := NewAllowlist(config.GlobalPrefixes, config.ServicePrefixes)
		if err != nil {
			return nil, err
		}
		p.allowlist = allowlist
	}

	if config.CacheSize > 0 {
		cache, err := lru.New(config.CacheSize)
		if err != nil {
			return nil, err
		}
		p.cache = cache
	}

	return p, nil
}

// ProcessBatch applies the rewrite decision to every message in the batch.
// Dropped messages are removed from the batch, passthrough messages are
// forwarded untouched, rewritten messages get their metric metadata set and
// the raw topic metadata removed.
func (p *VictronTopicsProcessor) ProcessBatch(ctx context.Context, batch service.MessageBatch) ([]service.MessageBatch, error) {
	outputBatch := make(service.MessageBatch, 0, len(batch))

	for _, msg := range batch {
		p.metrics.IncrementProcessed()

		subject, ok := msg.MetaGet(p.config.TopicMetadataKey)
		if !ok {
			subject, ok = msg.MetaGet(fallbackTopicKey)
		}
		if !ok {
			p.metrics.IncrementPassthrough()
			outputBatch = append(outputBatch, msg)
			continue
		}

		decision := p.decide(subject)
		switch decision.outcome {
		case outcomeDropped:
			p.metrics.IncrementDropped()
		case outcomePassthrough:
			p.metrics.IncrementPassthrough()
			outputBatch = append(outputBatch, msg)
		case outcomeRewritten:
			p.applyRewrite(msg, decision)
			p.metrics.IncrementRewritten()
			outputBatch = append(outputBatch, msg)
		}
	}

	if len(outputBatch) == 0 {
		return nil, nil
	}
	return []service.MessageBatch{outputBatch}, nil
}

// decide computes or recalls the verdict for one topic string.
func (p *VictronTopicsProcessor) decide(subject string) rewriteDecision {
	var cacheKey uint64
	if p.cache != nil {
		cacheKey = xxhash.Sum64String(subject)
		if cached, ok := p.cache.Get(cacheKey); ok {
			p.metrics.IncrementCacheHit()
			return cached.(rewriteDecision)
		}
	}

	decision := p.evaluate(subject)
	if p.cache != nil {
		p.cache.Add(cacheKey, decision)
	}
	return decision
}

// evaluate runs parser, allowlist and normalizer on a topic string.
func (p *VictronTopicsProcessor) evaluate(subject string) rewriteDecision {
	topic, err := venus.Parse(subject)
	if err != nil {
		if p.logLimiter.Allow() {
			p.logger.Debugf("Passing through non-Venus topic: %v", err)
		}
		return rewriteDecision{outcome: outcomePassthrough}
	}

	if p.allowlist != nil && !p.allowlist.Allows(topic.Service, topic.PathString()) {
		return rewriteDecision{outcome: outcomeDropped}
	}

	name, phase, ok := buildMetricName(topic.Service, topic.Path)
	if !ok {
		// Path was nothing but phase markers, a rename would carry no content.
		return rewriteDecision{outcome: outcomePassthrough}
	}

	return rewriteDecision{
		outcome:    outcomeRewritten,
		metricName: name,
		service:    topic.Service,
		instance:   topic.Instance,
		phase:      phase,
	}
}

// applyRewrite writes the normalized metadata onto the message. The raw topic
// keys are removed so the unbounded topic string never becomes a tag.
func (p *VictronTopicsProcessor) applyRewrite(msg *service.Message, decision rewriteDecision) {
	msg.MetaSet("metric_name", decision.metricName)
	msg.MetaSet("service", decision.service)
	msg.MetaSet("instance", decision.instance)
	if decision.phase != "" {
		msg.MetaSet("phase", decision.phase)
	}
	msg.MetaDelete(p.config.TopicMetadataKey)
	msg.MetaDelete(fallbackTopicKey)
}

// Close satisfies the BatchProcessor interface, no resources to release.
func (p *VictronTopicsProcessor) Close(ctx context.Context) error {
	return nil
}
