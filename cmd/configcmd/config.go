// Package configcmd provides the config command.
package configcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/tphakala/imagecache/internal/app"
	"github.com/tphakala/imagecache/internal/conf"
)

const schemaID = "https://github.com/tphakala/imagecache/config.schema.json"

// Command creates and returns the config command. Subcommands that do not
// need the loaded settings carry annotation.
func Command(ctx *app.Context, annotation string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}

	skip := map[string]string{annotation: "true"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings as YAML, with secrets redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return Show(cmd.OutOrStdout(), ctx.Settings)
			},
		},
		&cobra.Command{
			Use:   "save PATH",
			Short: "Write the effective settings, including environment overrides, to PATH",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := conf.SaveYAMLConfig(args[0], ctx.Settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:         "path",
			Short:       "Print the config file that would be loaded",
			Args:        cobra.NoArgs,
			Annotations: skip,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := ctx.ConfigFile
				if path == "" {
					var err error
					if path, err = conf.FindConfigFile(); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:         "init [PATH]",
			Short:       "Write the default config file",
			Args:        cobra.MaximumNArgs(1),
			Annotations: skip,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := ctx.ConfigFile
				if len(args) == 1 {
					path = args[0]
				}
				if path == "" {
					var err error
					if path, err = conf.DefaultConfigFile(); err != nil {
						return err
					}
				}
				if err := conf.WriteDefaultConfig(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:         "schema",
			Short:       "Print the JSON schema of the config file",
			Args:        cobra.NoArgs,
			Annotations: skip,
			RunE: func(cmd *cobra.Command, args []string) error {
				return Schema(cmd.OutOrStdout())
			},
		},
	)

	return cmd
}

// Show writes settings as YAML with secrets redacted.
func Show(w io.Writer, settings *conf.Settings) error {
	data, err := conf.MarshalYAML(settings.Redacted())
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Schema writes the JSON schema of the config file. Keys are lower case,
// matching how Viper reads them.
func Schema(w io.Writer) error {
	r := &jsonschema.Reflector{
		FieldNameTag:   "mapstructure",
		KeyNamer:       strings.ToLower,
		DoNotReference: true,
	}
	schema := r.Reflect(&conf.Settings{})
	schema.ID = schemaID
	schema.Title = "imagecache configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
