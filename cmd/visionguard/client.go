package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	goahttp "goa.design/goa/v3/http"
)

// apiClient calls a running server's HTTP API
type apiClient struct {
	base  *url.URL
	token string
	doer  goahttp.Doer
}

func newAPIClient(server, token string, timeout time.Duration, debug bool) (*apiClient, error) {
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}
	var doer goahttp.Doer = &http.Client{Timeout: timeout}
	if debug {
		doer = goahttp.NewDebugDoer(doer)
	}
	return &apiClient{base: u, token: token, doer: doer}, nil
}

func (c *apiClient) get(cmd *cobra.Command, path string, query url.Values) (json.RawMessage, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newClientCmds returns the commands that query a running server
func newClientCmds() []*cobra.Command {
	var (
		server  string
		token   string
		timeout time.Duration
		debug   bool
	)
	client := func() (*apiClient, error) {
		return newAPIClient(server, token, timeout, debug)
	}
	withClientFlags := func(cmd *cobra.Command) *cobra.Command {
		cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
		cmd.Flags().StringVar(&token, "token", "", "API bearer token")
		cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
		cmd.Flags().BoolVar(&debug, "debug", false, "print raw requests and responses")
		return cmd
	}

	status := withClientFlags(&cobra.Command{
		Use:   "status",
		Short: "Show the pipeline status of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			raw, err := c.get(cmd, "/api/system/status", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	})

	sources := withClientFlags(&cobra.Command{
		Use:   "sources",
		Short: "List the sources of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			raw, err := c.get(cmd, "/api/sources", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	})

	var (
		sourceIDs  []string
		eventTypes []string
		limit      int
	)
	eventsCmd := withClientFlags(&cobra.Command{
		Use:   "events",
		Short: "Query recent events of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if len(sourceIDs) > 0 {
				q.Set("source_ids", strings.Join(sourceIDs, ","))
			}
			if len(eventTypes) > 0 {
				q.Set("event_types", strings.Join(eventTypes, ","))
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			raw, err := c.get(cmd, "/api/events", q)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	})
	eventsCmd.Flags().StringSliceVar(&sourceIDs, "source", nil, "only events of these sources")
	eventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "only events of these types")
	eventsCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events")

	return []*cobra.Command{status, sources, eventsCmd}
}
