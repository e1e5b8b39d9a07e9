package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seedkeeper/seedkeeper/pkg/api"
	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/scheduler"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the state of a running scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			endpoint := strings.TrimSpace(v.GetString("endpoint"))
			if endpoint == "" {
				cfg, _, err := loadConfig(v)
				if err != nil {
					return withCode(exitConfigError, fmt.Errorf("no --endpoint given and configuration unusable: %w", err))
				}
				endpoint = "http://" + cfg.API.Listen
			}
			client := &http.Client{Timeout: v.GetDuration("timeout")}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), client, strings.TrimRight(endpoint, "/"))
		},
	}
	cmd.Flags().String("endpoint", "", "scheduler API base URL (defaults to http://<api.listen>)")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	_ = v.BindPFlag("endpoint", cmd.Flags().Lookup("endpoint"))
	_ = v.BindPFlag("timeout", cmd.Flags().Lookup("timeout"))
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, client *http.Client, base string) error {
	var counts cluster.NodeCounts
	if _, err := getJSON(ctx, client, base+"/v1/nodes/counts", &counts); err != nil {
		return withCode(exitUnavailable, err)
	}
	var nodes []scheduler.NodeView
	if _, err := getJSON(ctx, client, base+"/v1/nodes", &nodes); err != nil {
		return withCode(exitUnavailable, err)
	}

	fmt.Fprintf(out, "nodes: %d (seeds %d)\n", counts.Nodes, counts.Seeds)
	for _, n := range nodes {
		role := "node"
		if n.Seed {
			role = "seed"
		}
		mode := "-"
		if n.Health != nil {
			mode = string(n.Health.OperationMode)
			if !n.Health.Healthy {
				mode += " (unhealthy)"
			}
		}
		fmt.Fprintf(out, "  %-24s %-4s ip=%-15s metadata=%-8s server=%-8s mode=%s\n",
			n.ID, role, orDash(n.IP),
			n.TaskState(cluster.TaskMetadata), n.TaskState(cluster.TaskServer), mode)
	}

	var job clusterjob.Job
	found, err := getJSON(ctx, client, base+"/v1/cluster-jobs/current", &job)
	if err != nil {
		return withCode(exitUnavailable, err)
	}
	if !found {
		fmt.Fprintln(out, "cluster job: none")
		return nil
	}
	current := "-"
	if job.CurrentNode != nil {
		current = string(job.CurrentNode.NodeID)
	}
	fmt.Fprintf(out, "cluster job: %s %s (current %s, remaining %d, completed %d, failed %d)\n",
		job.Type, job.ID, current, len(job.RemainingNodes), len(job.CompletedNodes), len(job.FailedNodes()))
	return nil
}

// getJSON decodes a 200 response into v. A 404 reports found=false.
func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return false, fmt.Errorf("decode %s: %w", url, err)
		}
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}

	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		return false, fmt.Errorf("query %s: %s: %s", url, resp.Status, body.Error.Message)
	}
	return false, fmt.Errorf("query %s: %s", url, resp.Status)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
