// ABOUTME: Cobra command tree for tether-admin
// ABOUTME: Each subcommand maps onto one operator API route of a running relay

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultGatewayURL = "http://localhost:8080"

// options are the persistent flags shared by every subcommand.
type options struct {
	gatewayURL string
	token      string
	timeout    time.Duration
	out        io.Writer
}

func (o *options) client() *Client {
	return NewClient(o.gatewayURL, o.token)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// tokenFilePath is where "tether token" output is conventionally saved.
func tokenFilePath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "tether", "token")
}

// defaultToken reads TETHER_TOKEN, falling back to the token file.
func defaultToken() string {
	if token := os.Getenv("TETHER_TOKEN"); token != "" {
		return token
	}
	path := tokenFilePath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func defaultURL() string {
	if u := os.Getenv("TETHER_URL"); u != "" {
		return u
	}
	return defaultGatewayURL
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	root := &cobra.Command{
		Use:           "tether-admin",
		Short:         "Operate a running tether relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.gatewayURL, "url", defaultURL(), "relay base URL (env TETHER_URL)")
	root.PersistentFlags().StringVar(&opts.token, "token", defaultToken(), "admin token (env TETHER_TOKEN or ~/.config/tether/token)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		sessionsCmd(opts),
		conversationsCmd(opts),
		rateCmd(opts),
		logoutCmd(opts),
	)
	return root
}

func sessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "List sessions, or show one live session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if len(args) == 1 {
				s, err := opts.client().Session(ctx, args[0])
				if err != nil {
					if IsNotFound(err) {
						return fmt.Errorf("session %s is not live", args[0])
					}
					return err
				}
				return printJSON(opts.out, s)
			}

			resp, err := opts.client().Sessions(ctx)
			if err != nil {
				return err
			}

			live := make(map[string]bool, len(resp.Live))
			w := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tLAST ACTIVITY")
			for _, s := range resp.Live {
				live[s.ID] = true
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.State, formatTime(s.LastActivity))
			}
			for _, id := range resp.Stored {
				if !live[id] {
					fmt.Fprintf(w, "%s\t%s\t%s\n", id, "stored", "-")
				}
			}
			return w.Flush()
		},
	}
	return cmd
}

func conversationsCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "conversations <session> [conversation]",
		Short: "Show assembled conversations of a session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if len(args) == 2 {
				conv, err := opts.client().Conversation(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(opts.out, conv)
				}
				w := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tROLE\tTIME\tRATING\tCONTENT")
				for _, m := range conv.Messages {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Role, m.Times, dash(m.Rating), truncate(m.Content, 60))
				}
				return w.Flush()
			}

			convs, err := opts.client().Conversations(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(opts.out, convs)
			}
			w := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tACTIVE\tMESSAGES\tPREVIEW")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n", c.ID, c.Name, c.Type, c.Status, len(c.Messages), truncate(c.Preview, 40))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func rateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate <session> <conversation> <message> <like|dislike|none>",
		Short: "Rate one message",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating := args[3]
			if rating == "none" {
				rating = ""
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.client().Rate(ctx, args[0], args[1], args[2], rating); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "%s rated %s\n", args[2], args[3])
			return nil
		},
	}
	return cmd
}

func logoutCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout <session>",
		Short: "Log a session out and purge its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.client().Logout(ctx, args[0]); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(opts.out, "✓ %s logged out\n", args[0])
			return nil
		},
	}
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
