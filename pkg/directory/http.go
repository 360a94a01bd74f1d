// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jtacoma/uritemplates"
	log "github.com/sirupsen/logrus"

	"github.com/edrlab/analytics-ledger/pkg/ident"
)

// KeyHeader carries the directory access key.
const KeyHeader = "x-ratelimit-key"

// HTTP asks the project service whether a slug exists.
// The template receives the slug as {slug}; the service answers
// {"id": "<base62 id>"} when the project exists.
type HTTP struct {
	Template *uritemplates.UriTemplate
	Client   *http.Client
	Key      string
}

type checkResponse struct {
	ID string `json:"id"`
}

func (h *HTTP) Resolve(ctx context.Context, slug string) (int64, error) {
	href, err := h.Template.Expand(map[string]interface{}{"slug": slug})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return 0, err
	}
	if h.Key != "" {
		req.Header.Set(KeyHeader, h.Key)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("project directory request failed: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%s: %w", slug, ErrNotFound)
	case res.StatusCode < 200 || res.StatusCode > 299:
		return 0, fmt.Errorf("project directory returned status %d", res.StatusCode)
	}

	var check checkResponse
	if err := json.NewDecoder(res.Body).Decode(&check); err != nil {
		return 0, fmt.Errorf("invalid project directory response: %w", err)
	}
	id, err := ident.ParseBase62(check.ID)
	if err != nil {
		log.Warnf("Project directory returned an invalid id for %s: %v", slug, err)
		return 0, fmt.Errorf("%s: %w", slug, ErrNotFound)
	}
	return id, nil
}
