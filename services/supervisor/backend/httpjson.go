// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-cleanhttp"
)

const maxDocumentSize = 4 << 20

// HTTPJSON fetches a JSON object of overrides. Nested objects and arrays
// are flattened like YAML defaults.
type HTTPJSON struct {
	url    string
	client *http.Client
}

// NewHTTPJSON returns a Fetcher for url.
func NewHTTPJSON(url string) *HTTPJSON {
	return &HTTPJSON{url: url, client: cleanhttp.DefaultPooledClient()}
}

// String implements Fetcher.
func (h *HTTPJSON) String() string { return h.url }

// Fetch implements Fetcher.
func (h *HTTPJSON) Fetch(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &BackendUnavailableError{Backend: h.url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &BackendUnavailableError{Backend: h.url, Err: fmt.Errorf("status %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, &BackendUnavailableError{Backend: h.url, Err: err}
	}
	return FlattenJSON(body)
}

// FlattenJSON flattens a JSON object into dotted keys. Numbers keep their
// source text.
func FlattenJSON(data []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode config document: %w", err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		if doc == nil {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config document must be a JSON object")
	}
	out := make(map[string]string)
	flattenJSON(obj, "", out)
	return out, nil
}

func flattenJSON(v interface{}, prefix string, out map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, c := range t {
			flattenJSON(c, join(prefix, k), out)
		}
	case []interface{}:
		for i, c := range t {
			flattenJSON(c, join(prefix, strconv.Itoa(i)), out)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = t
	case json.Number:
		out[prefix] = t.String()
	case bool:
		out[prefix] = strconv.FormatBool(t)
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

func join(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}
