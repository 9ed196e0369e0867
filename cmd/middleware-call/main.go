// Package main implements middleware-call, a command line client for
// middlewared.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/truenas/middlewared/client"
	"github.com/truenas/middlewared/errors"
)

const defaultSocket = "/var/run/middleware/middlewared.sock"

// Exit codes
const (
	exitOK = iota
	exitInvalid
	exitUnauthorized
	exitNotFound
	exitTimeout
	exitInternal
)

type options struct {
	socket   string
	url      string
	apiKey   string
	username string
	password string
	output   string
	timeout  time.Duration
	job      bool
	quiet    bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := buildCLI(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", describe(err))
		return exitCode(err)
	}
	return exitOK
}

func buildCLI(stdout io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "middleware-call <method> [args...]",
		Short: "Call a middlewared method",
		Long: `Call a middlewared method and print its result.

Each argument is parsed as JSON; arguments that are not valid JSON are sent
as strings. Without --url the local UNIX socket is used and the session is
authenticated from the caller's uid.`,
		Example: `  middleware-call core.ping
  middleware-call core.get_jobs '[["state", "=", "RUNNING"]]'
  middleware-call --job core.bulk cache.has_key '[["a"], ["b"]]'
  middleware-call --url ws://nas.local/api/current --api-key "$KEY" auth.me`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MinimumNArgs(1)(cmd, args); err != nil {
				return errors.Invalid("%v", err)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), opts, args[0], parseArgs(args[1:]), stdout, cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.socket, "socket", getEnv("MIDDLEWARE_SOCKET", defaultSocket), "UNIX socket path")
	flags.StringVar(&opts.url, "url", os.Getenv("MIDDLEWARE_URL"), "WebSocket URL, e.g. ws://host/api/current")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("MIDDLEWARE_API_KEY"), "API key for --url connections")
	flags.StringVarP(&opts.username, "username", "u", "", "Username for --url connections")
	flags.StringVarP(&opts.password, "password", "p", os.Getenv("MIDDLEWARE_PASSWORD"), "Password for --username")
	flags.StringVarP(&opts.output, "output", "o", "json", "Output format: json or yaml")
	flags.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Give up after this long; 0 waits forever")
	root.Flags().BoolVarP(&opts.job, "job", "j", false, "Wait for a job method to finish, printing progress")
	root.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print job progress")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Invalid("%v", err)
	})
	root.AddCommand(buildSubscribeCommand(opts, stdout))
	return root
}

func buildSubscribeCommand(opts *options, stdout io.Writer) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "subscribe <topic>",
		Short: "Print events of a topic or pattern until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			sub, err := c.Subscribe(ctx, args[0], client.SubscribeOptions{})
			if err != nil {
				return err
			}
			defer sub.Close()

			for seen := 0; count == 0 || seen < count; seen++ {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sub.Events():
					if !ok {
						return sub.Err()
					}
					if err := render(stdout, opts.output, ev); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events; 0 runs until interrupted")
	return cmd
}

func call(ctx context.Context, opts *options, method string, params []any, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.timeout)
		defer cancelTimeout()
	}

	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	var result any
	if opts.job {
		var progress func(client.JobUpdate)
		if !opts.quiet {
			progress = func(u client.JobUpdate) {
				_, _ = fmt.Fprintf(stderr, "[%s] %3.0f%% %s\n", u.State, u.Percent, u.Description)
			}
		}
		result, err = c.CallJob(ctx, method, progress, params...)
	} else {
		result, err = c.Call(ctx, method, params...)
	}
	if err != nil {
		return err
	}
	return render(stdout, opts.output, result)
}

func connect(ctx context.Context, opts *options) (*client.Client, error) {
	if opts.url == "" {
		return client.DialUnix(ctx, opts.socket)
	}

	c, err := client.DialWebSocket(ctx, opts.url)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.apiKey != "":
		err = c.LoginWithAPIKey(ctx, opts.apiKey)
	case opts.username != "":
		err = c.Login(ctx, opts.username, opts.password)
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// parseArgs decodes each argument as JSON, keeping it as a string when it
// is not valid JSON
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, arg := range raw {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		out = append(out, v)
	}
	return out
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return errors.Invalid("Unknown output format %q", format)
	}
}

func describe(err error) string {
	var ce *errors.CallError
	if stderrors.As(err, &ce) {
		return fmt.Sprintf("[%s] %s", ce.Errno, ce.Reason)
	}
	return err.Error()
}

// exitCode maps a failure to the documented exit codes
func exitCode(err error) int {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return exitTimeout
	}
	var ce *errors.CallError
	if !stderrors.As(err, &ce) {
		if errors.IsInvalid(err) {
			return exitInvalid
		}
		return exitInternal
	}
	switch ce.Errno {
	case errors.EINVAL:
		return exitInvalid
	case errors.EACCES, errors.EAUTH, errors.EPERM:
		return exitUnauthorized
	case errors.ENOENT, errors.ENOMETHOD:
		return exitNotFound
	case errors.ETIMEDOUT:
		return exitTimeout
	default:
		return exitInternal
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
