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

// Package tile_usage_plugin keeps the map-tile billing guardrail. Map views
// in the fleet dashboards fetch tiles from commercial providers with free
// monthly tiers; this processor tallies every fetch in SQLite and annotates
// the stream with how close each provider is to its tier so the UI can back
// off before a bill appears.
package tile_usage_plugin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// Metadata keys set on every counted record.
const (
	totalMetadataKey       = "tile_usage_total"
	pctMetadataKey         = "tile_usage_pct"
	statusMetadataKey      = "tile_usage_status"
	recommendedMetadataKey = "recommended_provider"
)

// Usage statuses, in order of trouble.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusBlocked = "blocked"
)

// TileUsageConfig holds the configuration for the tile ledger.
type TileUsageConfig struct {
	DBPath            string
	MapboxFreeTier    int64
	EsriFreeTier      int64
	PreferredProvider string
	WarningRatio      float64
	BlockedRatio      float64
}

func init() {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Tally map-tile fetches against provider free tiers").
		Description(`The tile_usage processor consumes tile-fetch records:

  {"provider": "mapbox", "count": 4}

and keeps a month-keyed tally per provider in SQLite. Each record passes
through annotated with tile_usage_total, tile_usage_pct (percent of the
provider's free tier used this month), tile_usage_status (ok, warning or
blocked) and recommended_provider metadata. The recommendation follows the
operator preference until that provider is blocked, then falls back to the
least used provider that is not.

A record of {"provider": "esri", "set_preferred": true} stores a new
preference instead of counting. Records that do not parse pass through
unannotated.`).
		Field(service.NewStringField("db_path").
			Description("SQLite database path holding the monthly tallies").
			Example("/data/ovr-tiles.db")).
		Field(service.NewIntField("mapbox_free_tier").
			Description("Mapbox free tile loads per month").
			Default(750000)).
		Field(service.NewIntField("esri_free_tier").
			Description("Esri free tile loads per month").
			Default(2000000)).
		Field(service.NewStringField("preferred_provider").
			Description("Provider recommended while under its free tier, unless the stored preference says otherwise").
			Default("mapbox")).
		Field(service.NewFloatField("warning_ratio").
			Description("Fraction of the free tier at which a provider turns warning").
			Default(0.8).
			Advanced()).
		Field(service.NewFloatField("blocked_ratio").
			Description("Fraction of the free tier at which a provider turns blocked").
			Default(0.95).
			Advanced())

	err := service.RegisterBatchProcessor(
		"tile_usage",
		spec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchProcessor, error) {
			config, err := parseTileUsageConfig(conf)
			if err != nil {
				return nil, err
			}
			return newTileUsageProcessor(config, mgr.Logger(), mgr.Metrics())
		})
	if err != nil {
		panic(err)
	}
}

func parseTileUsageConfig(conf *service.ParsedConfig) (TileUsageConfig, error) {
	var config TileUsageConfig
	var err error

	if config.DBPath, err = conf.FieldString("db_path"); err != nil {
		return config, err
	}

	mapboxTier, err := conf.FieldInt("mapbox_free_tier")
	if err != nil {
		return config, err
	}
	config.MapboxFreeTier = int64(mapboxTier)
	esriTier, err := conf.FieldInt("esri_free_tier")
	if err != nil {
		return config, err
	}
	config.EsriFreeTier = int64(esriTier)
	if config.MapboxFreeTier <= 0 || config.EsriFreeTier <= 0 {
		return config, fmt.Errorf("free tiers must be positive")
	}

	if config.PreferredProvider, err = conf.FieldString("preferred_provider"); err != nil {
		return config, err
	}
	if config.WarningRatio, err = conf.FieldFloat("warning_ratio"); err != nil {
		return config, err
	}
	if config.BlockedRatio, err = conf.FieldFloat("blocked_ratio"); err != nil {
		return config, err
	}
	if config.WarningRatio <= 0 || config.BlockedRatio <= config.WarningRatio {
		return config, fmt.Errorf("ratios must satisfy 0 < warning_ratio < blocked_ratio")
	}

	limits := providerLimits(config)
	if _, ok := limits[config.PreferredProvider]; !ok {
		return config, fmt.Errorf("preferred_provider must be one of %s", providerNames(limits))
	}
	return config, nil
}

func providerLimits(config TileUsageConfig) map[string]int64 {
	return map[string]int64{
		"mapbox": config.MapboxFreeTier,
		"esri":   config.EsriFreeTier,
	}
}

func providerNames(limits map[string]int64) string {
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	// Two providers today, sort keeps error text stable anyway.
	if len(names) == 2 && names[0] > names[1] {
		names[0], names[1] = names[1], names[0]
	}
	return strings.Join(names, ", ")
}

// tileRecord is one decoded input message.
type tileRecord struct {
	Provider     string `json:"provider"`
	Count        int64  `json:"count"`
	SetPreferred bool   `json:"set_preferred"`
}

// TileUsageProcessor tallies fetches and annotates the stream.
type TileUsageProcessor struct {
	config  TileUsageConfig
	limits  map[string]int64
	store   *TileStore
	logger  *service.Logger
	metrics *TileUsageMetrics
}

func newTileUsageProcessor(config TileUsageConfig, logger *service.Logger, metrics *service.Metrics) (*TileUsageProcessor, error) {
	store, err := OpenTileStore(config.DBPath)
	if err != nil {
		return nil, err
	}
	return &TileUsageProcessor{
		config:  config,
		limits:  providerLimits(config),
		store:   store,
		logger:  logger,
		metrics: NewTileUsageMetrics(metrics),
	}, nil
}

// ProcessBatch counts each record and annotates it. Records that fail to
// parse or store pass through untouched; billing bookkeeping must never
// clog the pipeline.
func (p *TileUsageProcessor) ProcessBatch(ctx context.Context, batch service.MessageBatch) ([]service.MessageBatch, error) {
	for _, msg := range batch {
		p.handleRecord(ctx, msg)
	}
	return []service.MessageBatch{batch}, nil
}

func (p *TileUsageProcessor) handleRecord(ctx context.Context, msg *service.Message) {
	payload, err := msg.AsBytes()
	if err != nil {
		p.reject(fmt.Errorf("error reading record: %v", err))
		return
	}

	var record tileRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		p.reject(fmt.Errorf("error decoding record: %v", err))
		return
	}
	record.Provider = strings.ToLower(strings.TrimSpace(record.Provider))
	if _, ok := p.limits[record.Provider]; !ok {
		p.reject(fmt.Errorf("unknown provider %q", record.Provider))
		return
	}

	if record.SetPreferred {
		if err := p.store.SetPreferred(ctx, record.Provider); err != nil {
			p.reject(err)
			return
		}
		p.metrics.IncrementSettingsUpdated()
		p.logger.Infof("Preferred tile provider set to %s", record.Provider)
	} else {
		if record.Count == 0 {
			record.Count = 1
		}
		if record.Count < 0 {
			p.reject(fmt.Errorf("negative count %d for %s", record.Count, record.Provider))
			return
		}
	}

	monthKey := time.Now().UTC().Format("2006-01")

	var total int64
	if !record.SetPreferred {
		if total, err = p.store.Increment(ctx, monthKey, record.Provider, record.Count); err != nil {
			p.reject(err)
			return
		}
		p.metrics.IncrementTilesCounted(record.Count)
	}

	counts, err := p.store.Counts(ctx, monthKey)
	if err != nil {
		p.reject(err)
		return
	}
	if record.SetPreferred {
		total = counts[record.Provider]
	}

	preferred, err := p.store.Preferred(ctx)
	if err != nil {
		p.reject(err)
		return
	}
	if preferred == "" {
		preferred = p.config.PreferredProvider
	}

	limit := p.limits[record.Provider]
	pct := float64(total) / float64(limit) * 100
	status := p.status(total, limit)
	if status == StatusBlocked {
		p.metrics.IncrementProvidersBlocked()
	}

	msg.MetaSet(totalMetadataKey, strconv.FormatInt(total, 10))
	msg.MetaSet(pctMetadataKey, strconv.FormatFloat(pct, 'f', 2, 64))
	msg.MetaSet(statusMetadataKey, status)
	msg.MetaSet(recommendedMetadataKey, p.recommend(preferred, counts))
}

// status classifies one provider's tally against its tier.
func (p *TileUsageProcessor) status(total, limit int64) string {
	used := float64(total) / float64(limit)
	switch {
	case used >= p.config.BlockedRatio:
		return StatusBlocked
	case used >= p.config.WarningRatio:
		return StatusWarning
	default:
		return StatusOK
	}
}

// recommend names the provider map views should fetch from: the preference
// while it stays unblocked, otherwise the least used unblocked provider.
// With everything blocked the preference stands, the guardrail has nothing
// better to offer.
func (p *TileUsageProcessor) recommend(preferred string, counts map[string]int64) string {
	if p.status(counts[preferred], p.limits[preferred]) != StatusBlocked {
		return preferred
	}

	best := ""
	bestUsed := 0.0
	for provider, limit := range p.limits {
		if p.status(counts[provider], limit) == StatusBlocked {
			continue
		}
		used := float64(counts[provider]) / float64(limit)
		if best == "" || used < bestUsed {
			best = provider
			bestUsed = used
		}
	}
	if best == "" {
		p.logger.Warnf("Every tile provider is at or above %.0f%% of its free tier", p.config.BlockedRatio*100)
		return preferred
	}
	return best
}

func (p *TileUsageProcessor) reject(err error) {
	p.metrics.IncrementRecordsRejected()
	p.logger.Warnf("Tile record ignored: %v", err)
}

// Close releases the store.
func (p *TileUsageProcessor) Close(ctx context.Context) error {
	return p.store.Close()
}
