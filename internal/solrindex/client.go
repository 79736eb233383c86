// Package solrindex builds and delivers the search index: merged-document
// synthesis, update queues and the Solr HTTP protocol.
package solrindex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openimsdk/tools/errs"

	"github.com/biblioworks/recordmanager/internal/harvest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
)

// Client speaks the Solr JSON update protocol.
type Client struct {
	updateURL string
	username  string
	password  string
	http      *harvest.Client
}

func NewClient(cfg config.Solr, httpClient *harvest.Client) *Client {
	return &Client{
		updateURL: cfg.UpdateURL,
		username:  cfg.Username,
		password:  cfg.Password,
		http:      httpClient,
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if c.username != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.username+":"+c.password)))
	}
	return h
}

// AddDocuments posts a batch of documents as one JSON array.
func (c *Client) AddDocuments(ctx context.Context, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	body, err := json.Marshal(docs)
	if err != nil {
		return errs.WrapMsg(err, "marshal solr batch failed")
	}
	_, err = c.http.Do(ctx, http.MethodPost, c.updateURL, c.header(), body)
	return err
}

// Delete removes documents by id.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{"delete": ids})
	if err != nil {
		return errs.Wrap(err)
	}
	_, err = c.http.Do(ctx, http.MethodPost, c.updateURL, c.header(), body)
	return err
}

// DeleteByQuery removes every document matching a Solr query.
func (c *Client) DeleteByQuery(ctx context.Context, query string) error {
	body, err := json.Marshal(map[string]any{"delete": map[string]any{"query": query}})
	if err != nil {
		return errs.Wrap(err)
	}
	_, err = c.http.Do(ctx, http.MethodPost, c.updateURL, c.header(), body)
	return err
}

func (c *Client) Commit(ctx context.Context) error {
	_, err := c.http.Do(ctx, http.MethodPost, c.updateURL, c.header(), []byte(`{"commit":{}}`))
	return err
}

func (c *Client) Optimize(ctx context.Context) error {
	_, err := c.http.Do(ctx, http.MethodPost, c.updateURL, c.header(), []byte(`{"optimize":{}}`))
	return err
}

// GetDocument fetches one indexed document, or nil when it is not indexed.
// Used by compare mode.
func (c *Client) GetDocument(ctx context.Context, id string) (map[string]any, error) {
	query := url.Values{}
	query.Set("q", fmt.Sprintf("id:%q", id))
	query.Set("wt", "json")
	data, err := c.http.Get(ctx, c.selectURL()+"?"+query.Encode(), c.header())
	if err != nil {
		return nil, err
	}
	var resp struct {
		Response struct {
			Docs []map[string]any `json:"docs"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.WrapMsg(err, "solr select parse failed", "id", id)
	}
	if len(resp.Response.Docs) == 0 {
		return nil, nil
	}
	return resp.Response.Docs[0], nil
}

func (c *Client) selectURL() string {
	if i := strings.LastIndex(c.updateURL, "/update"); i >= 0 {
		return c.updateURL[:i] + "/select"
	}
	return c.updateURL
}
