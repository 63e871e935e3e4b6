package envmlflow

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewCommand creates a Cobra command tree for environment scoped MLflow
// operations. The returned command can be used standalone or added to a
// parent CLI's root command.
//
// Commands provided:
//   - mlflow name <model>
//   - mlflow experiment-name <experiment>
//   - mlflow stage
//   - mlflow latest <model> [--all]
//   - mlflow version <model> <version>
//   - mlflow promote <model> <version>
//   - mlflow tag <model> [version] <key=value>
//   - mlflow download-uri <model> <version>
//   - mlflow model <model>
//   - mlflow ensure-experiment <experiment>
//   - mlflow fetch <model> [version] [--force]
//   - mlflow prune
//
// Global flags: --env, --config, --json, --quiet, --verbose
//
// Configuration is layered: cfg, then the MLFLOW_* environment variables,
// then the --config file. --env overrides the environment of all three.
func NewCommand(cfg Config, opts ...ClientOption) *cobra.Command {
	st := &cliState{base: cfg, opts: opts}

	cmd := &cobra.Command{
		Use:   "mlflow",
		Short: "Environment scoped MLflow registry and tracking",
		Long: "Query and update an MLflow model registry with model names, experiments and stages\n" +
			"scoped to a logical environment such as dev, acc or production.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return st.init(cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&st.env, "env", "e", "", "Logical environment (default $"+EnvironmentKey+")")
	cmd.PersistentFlags().StringVarP(&st.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().BoolVar(&st.jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&st.quiet, "quiet", "q", false, "Suppress non-essential output")
	cmd.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "Verbose output")

	cmd.AddCommand(nameCmd(st))
	cmd.AddCommand(experimentNameCmd(st))
	cmd.AddCommand(stageCmd(st))
	cmd.AddCommand(latestCmd(st))
	cmd.AddCommand(versionCmd(st))
	cmd.AddCommand(promoteCmd(st))
	cmd.AddCommand(tagCmd(st))
	cmd.AddCommand(downloadURICmd(st))
	cmd.AddCommand(modelCmd(st))
	cmd.AddCommand(ensureExperimentCmd(st))
	cmd.AddCommand(fetchCmd(st))
	cmd.AddCommand(pruneCmd(st))

	return cmd
}

// cliState is shared by all subcommands of one command tree.
type cliState struct {
	base Config
	opts []ClientOption

	env        string
	configPath string
	jsonOutput bool
	quiet      bool
	verbose    bool

	cfg    Config
	logger Logger
	client *Client
}

// init resolves the configuration and logger. The client itself is created
// on first use so naming commands work without a server.
func (st *cliState) init(stderr io.Writer) error {
	cfg := ConfigFromEnv(st.base)
	if st.configPath != "" {
		fileCfg, err := LoadConfigFile(st.configPath)
		if err != nil {
			return err
		}
		cfg = cfg.merge(fileCfg)
	}
	if st.env != "" {
		cfg.Environment = st.env
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	st.cfg = cfg

	if st.verbose {
		st.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	st.client = nil
	return nil
}

// getClient returns the command tree's client, creating it if needed.
func (st *cliState) getClient() (*Client, error) {
	if st.client != nil {
		return st.client, nil
	}

	opts := st.opts
	if st.logger != nil {
		opts = append(append([]ClientOption{}, st.opts...), WithLogger(st.logger))
	}
	client, err := NewClient(st.cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}
	st.client = client
	return client, nil
}

func nameCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "name <model>",
		Short: "Print the environment specific model name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputValue(cmd.OutOrStdout(), "name", QualifiedName(args[0], st.cfg.Environment), st.jsonOutput)
		},
	}
}

func experimentNameCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "experiment-name <experiment>",
		Short: "Print the environment specific experiment name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputValue(cmd.OutOrStdout(), "experiment", ExperimentPath(args[0], st.cfg.Environment), st.jsonOutput)
		},
	}
}

func stageCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "stage",
		Short: "Print the stage of the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputValue(cmd.OutOrStdout(), "stage", StageFor(st.cfg.Environment).String(), st.jsonOutput)
		},
	}
}

func latestCmd(st *cliState) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "latest <model>",
		Short: "Show the latest version in the environment's stage",
		Long:  "Show the latest model version in the environment's stage. Use --all to list every latest version the registry returns.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}

			if all {
				versions, err := client.LatestVersions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return outputVersions(cmd.OutOrStdout(), versions, st.jsonOutput)
			}

			mv, err := client.LatestVersion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return outputVersionDetail(cmd.OutOrStdout(), mv, st.jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "List all latest versions")
	return cmd
}

func versionCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "version <model> <version>",
		Short: "Show a model version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}
			mv, err := client.GetVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return outputVersionDetail(cmd.OutOrStdout(), mv, st.jsonOutput)
		},
	}
}

func promoteCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <model> <version>",
		Short: "Promote a model version to the environment's stage",
		Long:  "Transition a model version to the environment's stage. Versions already in that stage are kept.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}
			mv, err := client.PromoteVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if st.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), mv)
			}
			if !st.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Promoted %s version %s to %s\n", mv.Name, mv.Version, mv.CurrentStage)
			}
			return nil
		},
	}
}

func tagCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <model> [version] <key=value>",
		Short: "Tag a registered model or a model version",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(args[len(args)-1], "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid tag %q: expected key=value", args[len(args)-1])
			}

			client, err := st.getClient()
			if err != nil {
				return err
			}

			name := args[0]
			if len(args) == 3 {
				if err := client.SetVersionTag(cmd.Context(), name, args[1], key, value); err != nil {
					return err
				}
				if !st.quiet {
					fmt.Fprintf(cmd.OutOrStdout(), "Tagged %s version %s with %s=%s\n", client.Qualify(name), args[1], key, value)
				}
				return nil
			}

			if err := client.SetModelTag(cmd.Context(), name, key, value); err != nil {
				return err
			}
			if !st.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Tagged %s with %s=%s\n", client.Qualify(name), key, value)
			}
			return nil
		},
	}
}

func downloadURICmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "download-uri <model> <version>",
		Short: "Print the artifact location of a model version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}
			uri, err := client.DownloadURI(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return outputValue(cmd.OutOrStdout(), "artifact_uri", uri, st.jsonOutput)
		},
	}
}

func modelCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "model <model>",
		Short: "Show a registered model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}
			rm, err := client.GetModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return outputModelDetail(cmd.OutOrStdout(), rm, st.jsonOutput)
		},
	}
}

func ensureExperimentCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-experiment <experiment>",
		Short: "Create the environment specific experiment if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}
			id, err := client.EnsureExperiment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]string{
					"experiment_id": id,
					"name":          client.QualifyExperiment(args[0]),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func fetchCmd(st *cliState) *cobra.Command {
	var (
		force       bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "fetch <model> [version]",
		Short: "Download model artifacts and print the local path",
		Long:  "Download the artifacts of a model version, or of the latest version in the environment's stage, into the local cache.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := st.getClient()
			if err != nil {
				return err
			}

			var mv ModelVersion
			if len(args) == 2 {
				mv, err = client.GetVersion(ctx, args[0], args[1])
			} else {
				mv, err = client.LatestVersion(ctx, args[0])
			}
			if err != nil {
				return err
			}

			opts := []LoaderOption{WithConcurrency(concurrency)}
			if force {
				opts = append(opts, WithForce())
			}
			loader, err := NewModelLoader(client, opts...)
			if err != nil {
				return err
			}

			if !st.quiet && !st.jsonOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "Fetching %s version %s from %s\n", mv.Name, mv.Version, mv.Source)
			}
			dir, err := loader.Fetch(ctx, mv.Source)
			if err != nil {
				return err
			}

			if st.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]string{
					"name":    mv.Name,
					"version": mv.Version,
					"source":  mv.Source,
					"path":    dir,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Force re-download even if already cached")
	cmd.Flags().IntVar(&concurrency, "concurrency", DefaultConcurrency, "Number of parallel file downloads")
	return cmd
}

func pruneCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Clear the local artifact cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := st.getClient()
			if err != nil {
				return err
			}
			loader, err := NewModelLoader(client)
			if err != nil {
				return err
			}
			if err := loader.Prune(); err != nil {
				return err
			}
			if !st.quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "Artifact cache cleared.")
			}
			return nil
		},
	}
}

// Output helpers

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputValue(w io.Writer, key, value string, asJSON bool) error {
	if asJSON {
		return outputJSON(w, map[string]string{key: value})
	}
	_, err := fmt.Fprintln(w, value)
	return err
}

func outputVersions(w io.Writer, versions []ModelVersion, asJSON bool) error {
	if asJSON {
		if versions == nil {
			versions = []ModelVersion{}
		}
		return outputJSON(w, versions)
	}

	if len(versions) == 0 {
		fmt.Fprintln(w, "No versions found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tVERSION\tSTAGE\tRUN\tCREATED")
	for _, mv := range versions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			mv.Name,
			mv.Version,
			mv.CurrentStage,
			mv.RunID,
			formatTime(mv.CreatedAt),
		)
	}
	return tw.Flush()
}

func outputVersionDetail(w io.Writer, mv ModelVersion, asJSON bool) error {
	if asJSON {
		return outputJSON(w, mv)
	}

	fmt.Fprintf(w, "Model:        %s\n", mv.Name)
	fmt.Fprintf(w, "Version:      %s\n", mv.Version)
	fmt.Fprintf(w, "Stage:        %s\n", mv.CurrentStage)
	fmt.Fprintf(w, "Status:       %s\n", mv.Status)
	fmt.Fprintf(w, "Source:       %s\n", mv.Source)
	if mv.RunID != "" {
		fmt.Fprintf(w, "Run:          %s\n", mv.RunID)
	}
	fmt.Fprintf(w, "Created:      %s\n", formatTime(mv.CreatedAt))
	if mv.Description != "" {
		fmt.Fprintf(w, "Description:  %s\n", mv.Description)
	}
	writeTags(w, mv.Tags)
	return nil
}

func outputModelDetail(w io.Writer, rm RegisteredModel, asJSON bool) error {
	if asJSON {
		return outputJSON(w, rm)
	}

	fmt.Fprintf(w, "Model:        %s\n", rm.Name)
	fmt.Fprintf(w, "Created:      %s\n", formatTime(rm.CreatedAt))
	fmt.Fprintf(w, "Updated:      %s\n", formatTime(rm.UpdatedAt))
	if rm.Description != "" {
		fmt.Fprintf(w, "Description:  %s\n", rm.Description)
	}
	writeTags(w, rm.Tags)

	if len(rm.LatestVersions) > 0 {
		fmt.Fprintln(w, "\nLatest versions:")
		for _, mv := range rm.LatestVersions {
			fmt.Fprintf(w, "  %s (%s)\n", mv.Version, mv.CurrentStage)
		}
	}
	return nil
}

func writeTags(w io.Writer, tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "Tags:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%s\n", k, tags[k])
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
