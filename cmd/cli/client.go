// Copyright 2026 ShadowPlague21
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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("TESSERA_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8000"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func submitJob(frontend, capability, userRef string, params json.RawMessage) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{
			"frontend":   frontend,
			"capability": capability,
			"user_ref":   userRef,
			"params":     params,
		}).
		SetResult(&out).
		Post("/api/v1/jobs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/v1/jobs: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

func getJob(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/v1/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/v1/jobs/%s: HTTP %d: %s", jobID, resp.StatusCode(), resp.String())
	}
	return out, nil
}

func listWorkers() ([]map[string]interface{}, error) {
	var out struct {
		Workers []map[string]interface{} `json:"workers"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/system/workers")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/system/workers: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Workers, nil
}

func checkHealth() error {
	resp, err := newClient().R().Get("/api/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET /api/health: HTTP %d", resp.StatusCode())
	}
	return nil
}
