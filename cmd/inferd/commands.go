package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"inferd/internal/contract"
	"inferd/internal/worker"
	"inferd/pkg/types"
)

func newHealthCmd() *cobra.Command {
	var (
		url     string
		apiKey  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running server's /health",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(url, "/")+"/health", nil)
			if err != nil {
				return err
			}
			if apiKey != "" {
				req.Header.Set("X-API-Key", apiKey)
			}
			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var res types.Result
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				return fmt.Errorf("decode health: %w", err)
			}
			if !res.Success {
				return fmt.Errorf("health failed: %s", res.Error.Message)
			}
			var h types.HealthResponse
			if err := json.Unmarshal(res.Output, &h); err != nil {
				return fmt.Errorf("decode health: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
			if h.Status == types.HealthFatal {
				return fmt.Errorf("worker is fatal: %s", h.Fatal)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "Server base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "API key when health is not public")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP timeout")
	return cmd
}

func newContractsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Print the stage contract table",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := contract.Default()
			if err != nil {
				return err
			}
			cs := table.Contracts()
			switch format {
			case "json":
				return printJSON(cmd.OutOrStdout(), cs)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cs)
			case "table":
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-22s %8s %6s %s\n", "STAGE", "TOKENS", "TEMP", "REQUIRED")
				for _, c := range cs {
					var req []string
					for _, f := range c.Required {
						req = append(req, f.Name)
					}
					fmt.Fprintf(w, "%-22s %8d %6.2f %s\n", c.Stage, c.MaxNewTokens, c.Temperature, strings.Join(req, ","))
				}
				return nil
			default:
				return fmt.Errorf("unknown format %q (json|yaml|table)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table|json|yaml")
	return cmd
}

func newRunJobCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-job [file]",
		Short: "Run one job envelope in-process and print its result",
		Long:  "Reads a job envelope from file (or stdin when omitted or \"-\") and runs it without starting a server.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			var in io.Reader = bufio.NewReader(cmd.InOrStdin())
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var job types.Job
			if err := json.NewDecoder(in).Decode(&job); err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			a, err := build(cfg, newLogger(cfg.Log, cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			res := a.worker.Handle(cmd.Context(), job)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("job failed: %s", res.Error.Kind)
			}
			return nil
		},
	}
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash for serving.api_key_bcrypt",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return err
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			h, err := worker.HashKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
