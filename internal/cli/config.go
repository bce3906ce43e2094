package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/blobview/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the blobview configuration",
	Long: `Without a subcommand, prints the effective configuration and the file
it was loaded from.

Examples:
  blobview config
  blobview config init --server http://git.example.com:8730
  echo "my-token" | blobview config set-token`,
	Args: cobra.NoArgs,
	Run:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .blobview.toml in the current directory",
	Args:  cobra.NoArgs,
	Run:   runConfigInit,
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token",
	Short: "Store the access token in the config file",
	Long: `Set or update the access token sent to the server.
The token is read from stdin so it does not end up in shell history.`,
	Args: cobra.NoArgs,
	Run:  runConfigSetToken,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetTokenCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}

	source := cfg.Path()
	if source == "" {
		source = "(defaults)"
	}
	color.New(color.Faint).Printf("# %s\n", source)

	fmt.Printf("server_url            %s\n", cfg.ServerURL)
	fmt.Printf("token                 %s\n", maskToken(cfg.Token))
	fmt.Printf("fetch.ceiling_bytes   %d\n", cfg.Fetch.CeilingBytes)
	fmt.Printf("fetch.timeout         %s\n", time.Duration(cfg.Fetch.Timeout))
	fmt.Printf("fetch.max_retries     %d\n", cfg.Fetch.MaxRetries)
	fmt.Printf("fetch.cache_entries   %d\n", cfg.Fetch.CacheEntries)
	fmt.Printf("render.ceiling_bytes  %d\n", cfg.Render.CeilingBytes)
	fmt.Printf("render.rich_types     %s\n", strings.Join(cfg.Render.RichTypes, ", "))
}

func runConfigInit(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(config.ConfigFile); err == nil {
		exitError("%s already exists", config.ConfigFile)
	}

	cfg := config.Default()
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if err := cfg.Save(config.ConfigFile); err != nil {
		exitError("write config: %v", err)
	}
	color.New(color.FgGreen).Printf("Wrote %s\n", config.ConfigFile)
}

func runConfigSetToken(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	path := cfg.Path()
	if path == "" {
		path = config.ConfigFile
	}

	fmt.Fprint(os.Stderr, "Enter token: ")
	token, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && token == "" {
		exitError("failed to read token: %v", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		exitError("token cannot be empty")
	}

	cfg.Token = token
	if err := cfg.Save(path); err != nil {
		exitError("write config: %v", err)
	}
	color.New(color.FgGreen).Printf("Token stored in %s\n", path)
}

func maskToken(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + strings.Repeat("*", 8)
}
