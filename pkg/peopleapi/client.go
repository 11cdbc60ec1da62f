// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peopleapi is a thin client for the external REST-style "people
// API" that resolves a user identifier to contact information. The
// get-owner-info child job is its caller.
package peopleapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
)

// Contact is the resolved owner contact information.
type Contact struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Client queries the people API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client. caPath may be empty to use the system trust store;
// insecure disables TLS verification (development clusters only).
func New(baseURL, caPath string, insecure bool, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure} //nolint:gosec // explicit opt-in via config
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errs.New(errs.KindConfiguration, "peopleapi.New", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errs.New(errs.KindConfiguration, "peopleapi.New", fmt.Errorf("invalid CA certificate at %s", caPath))
		}
		tlsConfig.RootCAs = pool
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

// Resolve looks up contact information for a user identifier, e.g. a
// namespace's CI pipeline author annotation.
func (c *Client) Resolve(ctx context.Context, userID string) (Contact, error) {
	url := fmt.Sprintf("%s/users/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Contact{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Contact{}, errs.New(errs.KindTransient, "peopleapi.Resolve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Contact{}, errs.New(errs.KindNotFound, "peopleapi.Resolve", fmt.Errorf("no contact for user %q", userID))
	}
	if resp.StatusCode >= 500 {
		return Contact{}, errs.New(errs.KindTransient, "peopleapi.Resolve", fmt.Errorf("people API returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Contact{}, fmt.Errorf("people API returned unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Contact{}, err
	}
	var contact Contact
	if err := json.Unmarshal(body, &contact); err != nil {
		return Contact{}, fmt.Errorf("decoding people API response: %w", err)
	}
	return contact, nil
}
