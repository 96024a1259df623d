package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/scriptd/pkg/client"
)

// command carries the connection flags into each subcommand.
type command struct {
	flags *GlobalFlags
}

func (c command) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		WSPath:   c.flags.WSPath,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// ScriptFlags holds flags for script create and update.
type ScriptFlags struct {
	Name        string
	Description string
	Content     string
	File        string
	Tags        []string
}

func (f ScriptFlags) content() (string, error) {
	if f.File == "" {
		return f.Content, nil
	}
	if f.Content != "" {
		return "", errors.New("use either --content or --file")
	}
	var (
		b   []byte
		err error
	)
	if f.File == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(f.File)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}

func createScriptCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Manage stored scripts",
	}
	cmd.AddCommand(
		createScriptListCommand(c),
		createScriptGetCommand(c),
		createScriptCreateCommand(c),
		createScriptUpdateCommand(c),
		createScriptDeleteCommand(c),
	)
	return cmd
}

func createScriptListCommand(c command) *cobra.Command {
	var q client.ScriptQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scripts, optionally by tag or name/description search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			list, err := cl.ListScripts(cmd.Context(), q)
			if err != nil {
				return err
			}
			if list == nil {
				list = []client.Script{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&q.Tag, "tag", "", "only scripts carrying this tag")
	cmd.Flags().StringVar(&q.Search, "search", "", "case-insensitive match on name or description")
	return cmd
}

func createScriptGetCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "get <script-id>",
		Short: "Show one script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			s, err := cl.GetScript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func createScriptCreateCommand(c command) *cobra.Command {
	f := &ScriptFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a new script",
		Long: `Store a new script. The body comes from --content or --file
(--file=- reads stdin).

Examples:
  scriptd script create --name=hello --content='echo hello'
  scriptd script create --name=backup --file=backup.sh --tag=db --tag=nightly`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := f.content()
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			s, err := cl.CreateScript(cmd.Context(), client.ScriptInput{
				Name:        f.Name,
				Description: f.Description,
				Content:     body,
				Tags:        f.Tags,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	bindScriptFlags(cmd, f)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createScriptUpdateCommand(c command) *cobra.Command {
	f := &ScriptFlags{}
	cmd := &cobra.Command{
		Use:   "update <script-id>",
		Short: "Change the given fields of a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p client.ScriptPatch
			fl := cmd.Flags()
			if fl.Changed("name") {
				p.Name = &f.Name
			}
			if fl.Changed("description") {
				p.Description = &f.Description
			}
			if fl.Changed("content") || fl.Changed("file") {
				body, err := f.content()
				if err != nil {
					return err
				}
				p.Content = &body
			}
			if fl.Changed("tag") {
				p.Tags = &f.Tags
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			s, err := cl.UpdateScript(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	bindScriptFlags(cmd, f)
	return cmd
}

func bindScriptFlags(cmd *cobra.Command, f *ScriptFlags) {
	cmd.Flags().StringVar(&f.Name, "name", "", "unique script name")
	cmd.Flags().StringVar(&f.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&f.Content, "content", "", "script body")
	cmd.Flags().StringVar(&f.File, "file", "", "read the script body from a file (- for stdin)")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "tag (repeatable)")
}

func createScriptDeleteCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <script-id>",
		Short: "Delete a script; its execution history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			if err := cl.DeleteScript(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Script %s deleted\n", args[0])
			return err
		},
	}
}

// streamTo writes stdout frames to out and everything else to errOut.
func streamTo(out, errOut io.Writer) client.Handler {
	return func(m client.Message) {
		switch m.Type {
		case client.MessageStdout:
			_, _ = io.WriteString(out, m.Data)
		case client.MessageStderr:
			_, _ = io.WriteString(errOut, m.Data)
		case client.MessageError:
			_, _ = fmt.Fprintf(errOut, "error: %s\n", m.Data)
		}
	}
}

// finalStatus turns a failed run into a non-zero exit.
func finalStatus(errOut io.Writer, id, status string) error {
	_, _ = fmt.Fprintf(errOut, "execution %s %s\n", id, status)
	if status != "completed" {
		return fmt.Errorf("execution %s %s", id, status)
	}
	return nil
}

func createExecCommand(c command) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "exec <script-id>",
		Short: "Run a script",
		Long: `Run a script. Without --watch the execution id is printed and the
script keeps running in the daemon. With --watch its output is streamed
and the command exits non-zero when the script fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			if !watch {
				id, err := cl.Execute(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			}
			id, status, err := cl.ExecuteStream(cmd.Context(), args[0], streamTo(cmd.OutOrStdout(), cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return finalStatus(cmd.ErrOrStderr(), id, status)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream output until the script finishes")
	return cmd
}

func createWatchCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <execution-id>",
		Short: "Follow a running execution from now on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			status, err := cl.Watch(cmd.Context(), args[0], streamTo(cmd.OutOrStdout(), cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return finalStatus(cmd.ErrOrStderr(), args[0], status)
		},
	}
}

func createExecutionsCommand(c command) *cobra.Command {
	var q client.ExecutionQuery
	cmd := &cobra.Command{
		Use:   "executions [execution-id]",
		Short: "List execution history, newest first, or show one execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				ex, err := cl.GetExecution(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ex)
			}
			list, total, err := cl.ListExecutions(cmd.Context(), q)
			if err != nil {
				return err
			}
			if list == nil {
				list = []client.Execution{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"executions": list, "total": total})
		},
	}
	cmd.Flags().StringVar(&q.ScriptID, "script-id", "", "only executions of this script")
	cmd.Flags().IntVar(&q.Limit, "limit", 10, "page size (max 100)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "entries to skip")
	return cmd
}

func createStatsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show script and execution counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			st, err := cl.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}
