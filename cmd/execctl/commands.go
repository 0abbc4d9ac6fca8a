package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carlosprados/execd/internal/store"
)

func baseURL() string { return strings.TrimRight(viper.GetString(addrKey), "/") }

func executorURL(name, suffix string) string {
	return baseURL() + "/v1/executors/" + url.PathEscape(strings.Trim(name, "/")) + suffix
}

// do sends the request and returns the body of a 2xx response; any other
// status becomes an error carrying the daemon's message.
func do(cmd *cobra.Command, method, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), method, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return body, nil
}

func printIndented(w io.Writer, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = w.Write(body)
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List executors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := do(cmd, http.MethodGet, baseURL()+"/v1/executors")
			if err != nil {
				return err
			}
			var list []store.ExecutorInfo
			if err := json.Unmarshal(body, &list); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tVERSION\tSTATE\tHEALTH\tPID\tLAUNCHES\tUNEXPECTED\tUPDATED")
			for _, ei := range list {
				pid := "-"
				if ei.PID > 0 {
					pid = fmt.Sprint(ei.PID)
				}
				health := ei.Health
				if health == "" {
					health = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					ei.Name, ei.Type, ei.BinaryVersion, ei.State, health, pid,
					humanize.Comma(int64(ei.Launches)), humanize.Comma(int64(ei.UnexpectedExits)),
					humanize.Time(ei.UpdatedAt))
			}
			return tw.Flush()
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <executor>",
		Short: "Show one executor as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := do(cmd, http.MethodGet, executorURL(args[0], ""))
			if err != nil {
				return err
			}
			return printIndented(cmd.OutOrStdout(), body)
		},
	}
}

func newActionCommand(action, short string) *cobra.Command {
	var dry bool
	cmd := &cobra.Command{
		Use:   action + " <executor>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if to := viper.GetDuration(timeoutKey); to > 0 {
				q.Set("timeout", to.String())
			}
			if dry {
				q.Set("dry", "true")
			}
			u := executorURL(args[0], ":"+action)
			if len(q) > 0 {
				u += "?" + q.Encode()
			}
			body, err := do(cmd, http.MethodPost, u)
			if err != nil {
				return err
			}
			return printIndented(cmd.OutOrStdout(), body)
		},
	}
	if action == "restart" {
		cmd.Flags().BoolVar(&dry, "dry", false, "only print the stop and start order")
	}
	return cmd
}

func newLogsCommand() *cobra.Command {
	var stream string
	cmd := &cobra.Command{
		Use:   "logs <executor>",
		Short: "Follow the output of a running executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := executorURL(args[0], "/logs")
			if stream != "" {
				u += "?stream=" + url.QueryEscape(stream)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "", "stdout or stderr (default both)")
	return cmd
}
