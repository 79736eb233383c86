// Package enrich augments index documents with data fetched from external
// authority and ontology services, backed by the URI cache collection.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/internal/harvest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

// Enricher mutates one index document after the driver produced it and
// before field mapping.
type Enricher interface {
	Enrich(ctx context.Context, sourceID string, driver record.Driver, doc map[string]any) error
}

// AuthorityEnricher resolves URI-valued document fields against an external
// vocabulary service and appends the alternative labels it finds. Responses
// are cached in the URI cache with a TTL.
type AuthorityEnricher struct {
	cfg    config.Enrichment
	cache  database.URICache
	client *harvest.Client

	// sourceField holds the URIs, targetField receives the labels.
	sourceField string
	targetField string
}

func NewAuthorityEnricher(cfg config.Enrichment, cache database.URICache, client *harvest.Client, sourceField, targetField string) *AuthorityEnricher {
	return &AuthorityEnricher{
		cfg:         cfg,
		cache:       cache,
		client:      client,
		sourceField: sourceField,
		targetField: targetField,
	}
}

// authorityBody is the subset of the vocabulary response the enricher reads.
type authorityBody struct {
	PrefLabel string   `json:"prefLabel"`
	AltLabels []string `json:"altLabels"`
}

func (e *AuthorityEnricher) Enrich(ctx context.Context, sourceID string, driver record.Driver, doc map[string]any) error {
	if e.cfg.URLPrefix == "" {
		return nil
	}
	var labels []string
	for _, value := range stringValues(doc[e.sourceField]) {
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			continue
		}
		body, err := e.fetch(ctx, value)
		if err != nil {
			return err
		}
		if body == "" {
			continue
		}
		var parsed authorityBody
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			log.ZWarn(ctx, "unparseable authority response", err, "uri", value)
			continue
		}
		if parsed.PrefLabel != "" {
			labels = append(labels, parsed.PrefLabel)
		}
		labels = append(labels, parsed.AltLabels...)
	}
	if len(labels) == 0 {
		return nil
	}
	existing, _ := doc[e.targetField].([]string)
	doc[e.targetField] = appendUnique(existing, labels)
	return nil
}

// fetch returns the cached body when fresh, otherwise performs the lookup
// and persists it. A 404 caches as an empty body so missing URIs are not
// re-fetched every document.
func (e *AuthorityEnricher) fetch(ctx context.Context, uri string) (string, error) {
	ttl := time.Duration(e.cfg.CacheExpiration) * time.Second
	entry, err := e.cache.Get(ctx, uri)
	if err == nil && time.Since(entry.Timestamp) < ttl {
		return entry.Body, nil
	}
	if err != nil && !database.IsNotFound(err) {
		return "", err
	}
	body, err := e.client.Get(ctx, e.cfg.URLPrefix+uri, nil)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			body = nil
		} else {
			return "", err
		}
	}
	err = e.cache.Put(ctx, &model.URICacheEntry{
		ID:        uri,
		Timestamp: time.Now().UTC(),
		URL:       e.cfg.URLPrefix + uri,
		Body:      string(body),
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	default:
		return nil
	}
}

func appendUnique(dst []string, values []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
