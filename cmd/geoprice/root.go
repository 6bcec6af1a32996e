package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServerURL = "http://localhost:8080"

// cli carries the settings shared by all subcommands.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	client *http.Client
}

// newRootCmd builds the command tree. Settings resolve from flags first,
// then GEOPRICE_* environment variables, then the optional config file.
func newRootCmd() *cobra.Command {
	c := &cli{
		v:      viper.New(),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	var cfgFile string

	root := &cobra.Command{
		Use:           "geoprice",
		Short:         "Geoprice task API server and client",
		Long:          `geoprice serves the asynchronous price aggregation API and submits, polls and cancels its tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			if cfgFile == "" {
				return nil
			}
			c.v.SetConfigFile(cfgFile)
			if err := c.v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config %s: %w", cfgFile, err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("server", defaultServerURL, "geoprice API URL")
	flags.StringP("output", "o", "table", "output format: table or json")

	c.v.SetEnvPrefix("GEOPRICE")
	c.v.AutomaticEnv()
	_ = c.v.BindPFlag("server", flags.Lookup("server"))
	_ = c.v.BindPFlag("output", flags.Lookup("output"))

	root.AddCommand(newServeCmd())
	root.AddCommand(c.newStartCmd())
	root.AddCommand(c.newStatusCmd())
	root.AddCommand(c.newResultCmd())
	root.AddCommand(c.newCancelCmd())
	return root
}

// serverURL returns the configured API URL with trailing slashes removed.
func (c *cli) serverURL() string {
	url := strings.TrimRight(c.v.GetString("server"), "/")
	if url == "" {
		return defaultServerURL
	}
	return url
}

func (c *cli) jsonOutput() bool {
	return strings.EqualFold(c.v.GetString("output"), "json")
}
