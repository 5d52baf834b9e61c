package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/leben-philippka/jamfbridge"
	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/client"
	"github.com/leben-philippka/jamfbridge/internal/logtag"
	"github.com/leben-philippka/jamfbridge/internal/version"
	"github.com/leben-philippka/jamfbridge/mcp"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("JAMFBRIDGE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "jamfbridge")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "jamfbridge",
		Short:         "Resilient access to a dual-generation device-management platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path (YAML)")
	flags.String("base-url", "", "platform base URL, e.g. https://jamf.example.com")
	flags.String("username", "", "legacy credential username")
	flags.String("password", "", "legacy credential password")
	flags.String("client-id", "", "OAuth2 client id")
	flags.String("client-secret", "", "OAuth2 client secret")
	flags.Bool("read-only", false, "refuse every write-class operation")
	flags.Bool("insecure-tls", false, "skip TLS certificate verification (non-production)")
	flags.Duration("http-timeout", jamfbridge.DefaultHTTPTimeout, "per-request HTTP timeout")
	flags.Int("verify-attempts", jamfbridge.DefaultVerifyAttempts, "verification reads per write")
	flags.Duration("verify-delay", jamfbridge.DefaultVerifyDelay, "pause between verification reads")
	flags.Int("verify-consecutive", jamfbridge.DefaultVerifyConsecutiveReads, "matching reads in a row required to confirm a write")
	flags.Bool("verify-strict", false, "cross-check the raw legacy document after verification")
	flags.Int("conflict-retries", jamfbridge.DefaultConflictRetries, "write resubmissions on 409 conflicts")
	flags.Duration("conflict-retry-delay", jamfbridge.DefaultConflictRetryDelay, "pause between conflicted submissions")

	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
	v.SetEnvPrefix("JAMFBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfgPath := strings.TrimSpace(v.GetString("config"))
		if cfgPath == "" {
			return nil
		}
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		return nil
	}

	newUpstream := func() (*client.Client, error) {
		cfg := configFromViper(v)
		cfg.Logger = baseLogger
		return cfg.NewClient()
	}

	root.AddCommand(newVersionCommand())
	root.AddCommand(newServeCommand(v, baseLogger, newUpstream))
	root.AddCommand(newGetCommand(newUpstream))
	root.AddCommand(newSearchCommand(newUpstream))
	root.AddCommand(newCreateCommand(newUpstream))
	root.AddCommand(newUpdateCommand(newUpstream))
	root.AddCommand(newDeleteCommand(newUpstream))
	return root
}

func configFromViper(v *viper.Viper) jamfbridge.Config {
	return jamfbridge.Config{
		BaseURL:                v.GetString("base-url"),
		Username:               v.GetString("username"),
		Password:               v.GetString("password"),
		ClientID:               v.GetString("client-id"),
		ClientSecret:           v.GetString("client-secret"),
		ReadOnly:               v.GetBool("read-only"),
		InsecureTLS:            v.GetBool("insecure-tls"),
		HTTPTimeout:            v.GetDuration("http-timeout"),
		VerifyAttempts:         v.GetInt("verify-attempts"),
		VerifyDelay:            v.GetDuration("verify-delay"),
		VerifyConsecutiveReads: v.GetInt("verify-consecutive"),
		VerifyStrict:           v.GetBool("verify-strict"),
		ConflictRetries:        v.GetInt("conflict-retries"),
		ConflictRetryDelay:     v.GetDuration("conflict-retry-delay"),
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the jamfbridge version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			return nil
		},
	}
}

func newServeCommand(v *viper.Viper, baseLogger pslog.Logger, newUpstream func() (*client.Client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP facade over streamable HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			mcpPath, _ := cmd.Flags().GetString("mcp-path")
			cfg := configFromViper(v)
			cfg.Logger = baseLogger
			cfg.MetricsRegisterer = prometheus.DefaultRegisterer
			upstream, err := cfg.NewClient()
			if err != nil {
				return err
			}
			srv, err := mcp.NewServer(mcp.NewServerRequest{
				Config: mcp.Config{
					Listen:  listen,
					MCPPath: mcpPath,
				},
				Upstream: upstream,
				Logger:   baseLogger,
			})
			if err != nil {
				return err
			}
			logtag.WithSubsystem(baseLogger, "cli.serve").Info("facade starting", "listen", listen)
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("listen", jamfbridge.DefaultMCPListen, "MCP facade bind address (plain HTTP)")
	cmd.Flags().String("mcp-path", mcp.DefaultMCPPath, "HTTP path the MCP transport is mounted on")
	return cmd
}

// resourceOps resolves the CLI kind argument to the SDK operations for it.
type resourceOps struct {
	get    func(context.Context, *client.Client, int64) (*api.Resource, error)
	search func(context.Context, *client.Client, string) ([]api.ListItem, error)
	create func(context.Context, *client.Client, xmldoc.Update) (*api.Resource, error)
	update func(context.Context, *client.Client, int64, xmldoc.Update) (*api.Resource, error)
	delete func(context.Context, *client.Client, int64) error
}

func opsForKind(kind string) (resourceOps, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "policy", "policies":
		return resourceOps{
			get:    func(ctx context.Context, c *client.Client, id int64) (*api.Resource, error) { return c.GetPolicy(ctx, id) },
			search: func(ctx context.Context, c *client.Client, f string) ([]api.ListItem, error) { return c.SearchPolicies(ctx, f) },
			create: func(ctx context.Context, c *client.Client, u xmldoc.Update) (*api.Resource, error) { return c.CreatePolicy(ctx, u) },
			update: func(ctx context.Context, c *client.Client, id int64, u xmldoc.Update) (*api.Resource, error) {
				return c.UpdatePolicy(ctx, id, u)
			},
			delete: func(ctx context.Context, c *client.Client, id int64) error { return c.DeletePolicy(ctx, id) },
		}, nil
	case "group", "computer-group", "computer-groups":
		return resourceOps{
			get:    func(ctx context.Context, c *client.Client, id int64) (*api.Resource, error) { return c.GetComputerGroup(ctx, id) },
			search: func(ctx context.Context, c *client.Client, f string) ([]api.ListItem, error) { return c.SearchComputerGroups(ctx, f) },
			create: func(ctx context.Context, c *client.Client, u xmldoc.Update) (*api.Resource, error) { return c.CreateComputerGroup(ctx, u) },
			update: func(ctx context.Context, c *client.Client, id int64, u xmldoc.Update) (*api.Resource, error) {
				return c.UpdateComputerGroup(ctx, id, u)
			},
			delete: func(ctx context.Context, c *client.Client, id int64) error { return c.DeleteComputerGroup(ctx, id) },
		}, nil
	case "package", "packages":
		return resourceOps{
			get:    func(ctx context.Context, c *client.Client, id int64) (*api.Resource, error) { return c.GetPackage(ctx, id) },
			search: func(ctx context.Context, c *client.Client, f string) ([]api.ListItem, error) { return c.SearchPackages(ctx, f) },
			create: func(ctx context.Context, c *client.Client, u xmldoc.Update) (*api.Resource, error) { return c.CreatePackage(ctx, u) },
			update: func(ctx context.Context, c *client.Client, id int64, u xmldoc.Update) (*api.Resource, error) {
				return c.UpdatePackage(ctx, id, u)
			},
			delete: func(ctx context.Context, c *client.Client, id int64) error { return c.DeletePackage(ctx, id) },
		}, nil
	case "patch", "patch-configuration", "patch-configurations":
		return resourceOps{
			get: func(ctx context.Context, c *client.Client, id int64) (*api.Resource, error) {
				return c.GetPatchConfiguration(ctx, id)
			},
			search: func(ctx context.Context, c *client.Client, f string) ([]api.ListItem, error) {
				return c.SearchPatchConfigurations(ctx, f)
			},
			create: func(ctx context.Context, c *client.Client, u xmldoc.Update) (*api.Resource, error) {
				return c.CreatePatchConfiguration(ctx, u)
			},
			update: func(ctx context.Context, c *client.Client, id int64, u xmldoc.Update) (*api.Resource, error) {
				return c.UpdatePatchConfiguration(ctx, id, u)
			},
			delete: func(ctx context.Context, c *client.Client, id int64) error { return c.DeletePatchConfiguration(ctx, id) },
		}, nil
	default:
		return resourceOps{}, fmt.Errorf("unknown resource kind %q (policy, group, package, patch)", kind)
	}
}

func parseIDArg(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid resource id %q", raw)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readUpdatePayload loads the JSON body from --json (a path or "-" for
// stdin) or the inline argument.
func readUpdatePayload(cmd *cobra.Command, inline string) (xmldoc.Update, error) {
	jsonPath, _ := cmd.Flags().GetString("json")
	var data []byte
	var err error
	switch {
	case jsonPath == "-":
		data, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), 16<<20))
	case jsonPath != "":
		data, err = os.ReadFile(jsonPath)
	case inline != "":
		data = []byte(inline)
	default:
		return nil, fmt.Errorf("a JSON payload is required (--json file, --json -, or inline argument)")
	}
	if err != nil {
		return nil, err
	}
	var update xmldoc.Update
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("decode JSON payload: %w", err)
	}
	return update, nil
}

func newGetCommand(newUpstream func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Fetch one resource by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsForKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseIDArg(args[1])
			if err != nil {
				return err
			}
			upstream, err := newUpstream()
			if err != nil {
				return err
			}
			res, err := ops.get(cmd.Context(), upstream, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newSearchCommand(newUpstream func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "search <kind> [name-filter]",
		Short: "List resources, optionally filtered by name substring",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsForKind(args[0])
			if err != nil {
				return err
			}
			filter := ""
			if len(args) == 2 {
				filter = args[1]
			}
			upstream, err := newUpstream()
			if err != nil {
				return err
			}
			items, err := ops.search(cmd.Context(), upstream, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
}

func newCreateCommand(newUpstream func() (*client.Client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <kind> [json]",
		Short: "Create a resource from a JSON attribute payload",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsForKind(args[0])
			if err != nil {
				return err
			}
			inline := ""
			if len(args) == 2 {
				inline = args[1]
			}
			attrs, err := readUpdatePayload(cmd, inline)
			if err != nil {
				return err
			}
			upstream, err := newUpstream()
			if err != nil {
				return err
			}
			res, err := ops.create(cmd.Context(), upstream, attrs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("json", "", "path to JSON payload, or - for stdin")
	return cmd
}

func newUpdateCommand(newUpstream func() (*client.Client, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <kind> <id> [json]",
		Short: "Apply a partial update from a JSON payload",
		Long: "Apply a partial update from a JSON payload. Keys use the platform's " +
			"snake_case field names; nested objects update nested fields, null " +
			"clears a field, and list values replace the stored list wholesale. " +
			"The write is verified against the platform before the command returns.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsForKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseIDArg(args[1])
			if err != nil {
				return err
			}
			inline := ""
			if len(args) == 3 {
				inline = args[2]
			}
			update, err := readUpdatePayload(cmd, inline)
			if err != nil {
				return err
			}
			upstream, err := newUpstream()
			if err != nil {
				return err
			}
			res, err := ops.update(cmd.Context(), upstream, id, update)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("json", "", "path to JSON payload, or - for stdin")
	return cmd
}

func newDeleteCommand(newUpstream func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete one resource by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opsForKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseIDArg(args[1])
			if err != nil {
				return err
			}
			upstream, err := newUpstream()
			if err != nil {
				return err
			}
			if err := ops.delete(cmd.Context(), upstream, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %d\n", args[0], id)
			return nil
		},
	}
}
