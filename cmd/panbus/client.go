// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	if !envelope.OK {
		if envelope.Error != nil {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseData reads a command line payload as JSON, falling back to a plain string.
func parseData(arg string) any {
	dec := json.NewDecoder(strings.NewReader(arg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return arg
	}
	return v
}

func newPublishCommand(baseURL *string) *cobra.Command {
	var (
		retain   bool
		clientID string
	)
	cmd := &cobra.Command{
		Use:   "publish <topic> <data>",
		Short: "Publish a message through the admin API",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report map[string]any
			err := newAPIClient(*baseURL).do(http.MethodPost, "/publish", map[string]any{
				"topic":     args[0],
				"data":      parseData(args[1]),
				"retain":    retain,
				"client_id": clientID,
			}, &report)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&retain, "retain", false, "Store as the retained message of the topic")
	cmd.Flags().StringVar(&clientID, "client-id", "panbus-cli", "Publisher client id")
	return cmd
}

func newRequestCommand(baseURL *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <topic> <data>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"topic": args[0],
				"data":  parseData(args[1]),
			}
			if timeout > 0 {
				body["timeout_ms"] = timeout.Milliseconds()
			}
			var out struct {
				Reply any `json:"reply"`
			}
			if err := newAPIClient(*baseURL).do(http.MethodPost, "/request", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out.Reply)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Reply timeout; the server default applies when unset")
	return cmd
}

func newStatsCommand(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print broker statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := newAPIClient(*baseURL).do(http.MethodGet, "/stats", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
