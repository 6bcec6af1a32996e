package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type ackResponse struct {
	JobID string `json:"job_id"`
	Msg   string `json:"msg"`
	Text  string `json:"text"`
}

type statusResponse struct {
	JobID         string `json:"job_id,omitempty"`
	Stage         string `json:"stage"`
	Progress      int    `json:"progress"`
	Date          string `json:"date,omitempty"`
	Msg           string `json:"msg"`
	ExecutorState string `json:"executor_state,omitempty"`
}

type resultResponse struct {
	Status statusResponse  `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (c *cli) newStartCmd() *cobra.Command {
	var paramsFile string
	cmd := &cobra.Command{
		Use:   "start <kind> [key=value ...]",
		Short: "Submit a task",
		Long: `Submit a task of the given kind. Parameters come from key=value pairs or
from a JSON file (--params-file, "-" for stdin). Values that parse as JSON
are sent as JSON, everything else as strings.`,
		Example: `  geoprice start price_stats --params-file observations.json
  geoprice start price_stats group_by=retailer observations='[...]'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildParams(paramsFile, args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}
			var ack ackResponse
			endpoint := fmt.Sprintf("%s/start/%s", c.serverURL(), url.PathEscape(args[0]))
			if err := c.do(http.MethodPost, endpoint, body, http.StatusAccepted, &ack); err != nil {
				return err
			}
			return c.render(ack, [][]string{
				{"Job ID", ack.JobID},
				{"State", ack.Text},
				{"Message", ack.Msg},
			})
		},
	}
	cmd.Flags().StringVarP(&paramsFile, "params-file", "f", "", "JSON file holding the task parameters")
	return cmd
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status statusResponse
			if err := c.do(http.MethodGet, c.jobURL("status", args[0]), nil, http.StatusOK, &status); err != nil {
				return err
			}
			return c.render(status, statusRows(args[0], status))
		},
	}
}

func (c *cli) newResultCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "result <job-id>",
		Short: "Show the status and result of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res resultResponse
			if wait {
				if err := c.waitResult(args[0], &res); err != nil {
					return err
				}
			} else if err := c.do(http.MethodGet, c.jobURL("result", args[0]), nil, http.StatusOK, &res); err != nil {
				return err
			}
			rows := append(statusRows(args[0], res.Status), []string{"Result", string(res.Result)})
			return c.render(res, rows)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "follow the task until it stops running")
	return cmd
}

func (c *cli) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status statusResponse
			if err := c.do(http.MethodGet, c.jobURL("cancel", args[0]), nil, http.StatusOK, &status); err != nil {
				return err
			}
			return c.render(status, statusRows(args[0], status))
		},
	}
}

func (c *cli) jobURL(route, jobID string) string {
	return fmt.Sprintf("%s/%s/%s", c.serverURL(), route, url.PathEscape(jobID))
}

func (c *cli) do(method, endpoint string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to geoprice API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// waitResult follows the NDJSON result stream and keeps its last line.
func (c *cli) waitResult(jobID string, out *resultResponse) error {
	streamClient := *c.client
	streamClient.Timeout = 0
	resp, err := streamClient.Get(c.jobURL("result", jobID) + "/stream")
	if err != nil {
		return fmt.Errorf("failed to connect to geoprice API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var last []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		last = append(last[:0], line...)
		if !c.jsonOutput() {
			var update resultResponse
			if json.Unmarshal(line, &update) == nil && update.Result == nil {
				fmt.Fprintf(c.out, "%s %d%%\n", update.Status.Stage, update.Status.Progress)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	if last == nil {
		return fmt.Errorf("stream closed without a result")
	}
	if err := json.Unmarshal(last, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *cli) render(v any, rows [][]string) error {
	if c.jsonOutput() {
		output, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(c.out, string(output))
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Field", "Value")
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		table.Append(row)
	}
	return table.Render()
}

func statusRows(jobID string, s statusResponse) [][]string {
	if s.JobID != "" {
		jobID = s.JobID
	}
	return [][]string{
		{"Job ID", jobID},
		{"Stage", s.Stage},
		{"Progress", strconv.Itoa(s.Progress)},
		{"Message", s.Msg},
		{"Updated", s.Date},
		{"Executor", s.ExecutorState},
	}
}

// buildParams returns the JSON request body from a params file or key=value pairs.
func buildParams(paramsFile string, pairs []string, stdin io.Reader) ([]byte, error) {
	params := map[string]any{}
	if paramsFile != "" {
		var (
			raw []byte
			err error
		)
		if paramsFile == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(paramsFile)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read params: %w", err)
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return json.Marshal(params)
}
