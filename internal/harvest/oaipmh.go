package harvest

import (
	"context"
	"encoding/xml"
	"net/url"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
)

// oaiHarvester speaks OAI-PMH 2.0: ListRecords with resumption tokens for
// the fetch, ListIdentifiers for the mark-sweep deletion pass.
type oaiHarvester struct {
	base
	// dateLayout formats from/until. Resolved lazily from Identify when the
	// source is configured with granularity=auto.
	dateLayout string
}

const dateOnlyFormat = "2006-01-02"

type oaiResponse struct {
	Error struct {
		Code string `xml:"code,attr"`
		Text string `xml:",chardata"`
	} `xml:"error"`
	Identify struct {
		Granularity string `xml:"granularity"`
	} `xml:"Identify"`
	ListRecords struct {
		Records []oaiRecord `xml:"record"`
		Token   string      `xml:"resumptionToken"`
	} `xml:"ListRecords"`
	ListIdentifiers struct {
		Headers []oaiHeader `xml:"header"`
		Token   string      `xml:"resumptionToken"`
	} `xml:"ListIdentifiers"`
}

type oaiHeader struct {
	Identifier string `xml:"identifier"`
	Datestamp  string `xml:"datestamp"`
	Status     string `xml:"status,attr"`
}

type oaiRecord struct {
	Header   oaiHeader `xml:"header"`
	Metadata struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"metadata"`
}

func (h *oaiHarvester) Harvest(ctx context.Context, opts Options) (*Stats, error) {
	from, until, err := h.window(ctx, opts)
	if err != nil {
		return nil, err
	}
	tokenKey := controller.StateKey(controller.StateResumptionToken, h.ds.ID)
	token := opts.Resumption
	if token == "" {
		// An interrupted run leaves its token behind; pick it up.
		token, err = h.db.State.Get(ctx, tokenKey)
		if err != nil {
			return nil, err
		}
	}
	if token != "" {
		log.ZInfo(ctx, "resuming harvest from token", "source", h.ds.ID, "token", token)
	}

	stats := &Stats{}
	threshold := time.Now().UTC()
	for {
		resp, err := h.request(ctx, "ListRecords", from, until, token)
		if err != nil {
			return nil, err
		}
		if resp.Error.Code != "" {
			if resp.Error.Code == "noRecordsMatch" {
				break
			}
			if resp.Error.Code == "badResumptionToken" {
				// Expired tokens are not recoverable; clear state so the next
				// run starts over from the committed window.
				if err := h.db.State.Delete(ctx, tokenKey); err != nil {
					log.ZWarn(ctx, "clear resumption token failed", err, "source", h.ds.ID)
				}
			}
			return nil, errs.New("oai-pmh error", "source", h.ds.ID, "code", resp.Error.Code, "message", strings.TrimSpace(resp.Error.Text)).Wrap()
		}
		for _, rec := range resp.ListRecords.Records {
			deleted := rec.Header.Status == "deleted"
			payload := []byte(strings.TrimSpace(string(rec.Metadata.Inner)))
			if err := h.store(ctx, rec.Header.Identifier, deleted, payload); err != nil {
				return nil, err
			}
			if deleted {
				stats.Deleted++
			} else {
				stats.Harvested++
			}
		}
		token = strings.TrimSpace(resp.ListRecords.Token)
		if token == "" {
			break
		}
		if err := h.db.State.Set(ctx, tokenKey, token); err != nil {
			return nil, err
		}
		log.ZDebug(ctx, "harvest batch done", "source", h.ds.ID, "harvested", stats.Harvested, "token", token)
	}

	if err := h.db.State.Delete(ctx, tokenKey); err != nil {
		return nil, err
	}
	if opts.Reharvest || h.ds.Deletions == "reharvest" {
		removed, err := h.sweepOlderThan(ctx, threshold, stats.Harvested)
		if err != nil {
			return nil, err
		}
		stats.Deleted += int(removed)
	} else if h.ds.Deletions == "listidentifiers" {
		due, err := h.deletionsDue(ctx)
		if err != nil {
			return nil, err
		}
		if due {
			removed, err := h.markSweep(ctx, until)
			if err != nil {
				return nil, err
			}
			stats.Deleted += int(removed)
		}
	}
	if err := h.commit(ctx, until); err != nil {
		return nil, err
	}
	log.ZInfo(ctx, "harvest complete", "source", h.ds.ID, "harvested", stats.Harvested, "deleted", stats.Deleted)
	return stats, nil
}

// markSweep lists every live identifier upstream and soft-deletes records the
// listing never mentioned.
func (h *oaiHarvester) markSweep(ctx context.Context, until time.Time) (int64, error) {
	if err := h.clearMarks(ctx); err != nil {
		return 0, err
	}
	token := ""
	for {
		resp, err := h.request(ctx, "ListIdentifiers", time.Time{}, until, token)
		if err != nil {
			return 0, err
		}
		if resp.Error.Code != "" {
			if resp.Error.Code == "noRecordsMatch" {
				break
			}
			return 0, errs.New("oai-pmh error", "source", h.ds.ID, "code", resp.Error.Code).Wrap()
		}
		for _, header := range resp.ListIdentifiers.Headers {
			if header.Status == "deleted" {
				continue
			}
			if err := h.markSeen(ctx, header.Identifier); err != nil {
				return 0, err
			}
		}
		token = strings.TrimSpace(resp.ListIdentifiers.Token)
		if token == "" {
			break
		}
	}
	removed, err := h.sweepUnmarked(ctx)
	if err != nil {
		return 0, err
	}
	return removed, h.commitDeletions(ctx)
}

func (h *oaiHarvester) request(ctx context.Context, verb string, from, until time.Time, token string) (*oaiResponse, error) {
	params := url.Values{}
	params.Set("verb", verb)
	if token != "" {
		params.Set("resumptionToken", token)
	} else {
		prefix := h.ds.MetadataPrefix
		if prefix == "" {
			prefix = "oai_dc"
		}
		params.Set("metadataPrefix", prefix)
		if h.ds.Set != "" {
			params.Set("set", h.ds.Set)
		}
		if !from.IsZero() || !until.IsZero() {
			layout, err := h.windowLayout(ctx)
			if err != nil {
				return nil, err
			}
			if !from.IsZero() {
				params.Set("from", from.UTC().Format(layout))
			}
			if !until.IsZero() {
				params.Set("until", until.UTC().Format(layout))
			}
		}
	}
	data, err := h.client.Get(ctx, h.ds.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp oaiResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, errs.WrapMsg(err, "oai-pmh response parse failed", "source", h.ds.ID)
	}
	return &resp, nil
}

// windowLayout resolves the timestamp layout of from/until parameters.
// Repositories advertising day granularity in Identify reject full
// timestamps, so granularity=auto probes once per run.
func (h *oaiHarvester) windowLayout(ctx context.Context) (string, error) {
	if h.dateLayout != "" {
		return h.dateLayout, nil
	}
	switch h.ds.Granularity {
	case "", "YYYY-MM-DDThh:mm:ssZ":
		h.dateLayout = DateFormat
	case "YYYY-MM-DD":
		h.dateLayout = dateOnlyFormat
	case "auto":
		params := url.Values{}
		params.Set("verb", "Identify")
		data, err := h.client.Get(ctx, h.ds.URL+"?"+params.Encode(), nil)
		if err != nil {
			return "", err
		}
		var resp oaiResponse
		if err := xml.Unmarshal(data, &resp); err != nil {
			return "", errs.WrapMsg(err, "oai-pmh identify parse failed", "source", h.ds.ID)
		}
		h.dateLayout = DateFormat
		if strings.TrimSpace(resp.Identify.Granularity) == "YYYY-MM-DD" {
			h.dateLayout = dateOnlyFormat
		}
		log.ZDebug(ctx, "granularity resolved", "source", h.ds.ID, "layout", h.dateLayout)
	default:
		return "", errs.New("unsupported granularity", "source", h.ds.ID, "granularity", h.ds.Granularity).Wrap()
	}
	return h.dateLayout, nil
}
