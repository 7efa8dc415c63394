package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tasksync/tasksync/internal/config"
)

var (
	settings = config.NewViper()
	cfg      *config.Config

	// logOut receives every component log; stderr unless log.file is set.
	logOut io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Local-first task sync engine",
	Long: `tasksync keeps task projects in a local cache, applies edits instantly and
syncs them with a central store in the background.

Edits made offline wait in a durable retry queue. Concurrent edits from other
devices are detected by version and merged, or left for you to resolve with
'tasksync conflict resolve'.

Configuration is read from tasksync.yaml (working directory or data
directory) and TASKSYNC_* environment variables, e.g. TASKSYNC_REMOTE_URL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(settings, file)
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging()
		return os.MkdirAll(cfg.DataDir, 0755)
	},
}

func main() {
	addPersistentFlags()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ./tasksync.yaml or <data-dir>/tasksync.yaml)")
	flags.String("data-dir", config.DefaultDataDir(), "directory holding the cache and project files")
	flags.String("remote-url", "", "central store URL")
	flags.String("token", "", "bearer token for the central store")
	flags.Bool("json", false, "output JSON")
	bindFlag("data_dir", "data-dir")
	bindFlag("remote.url", "remote-url")
	bindFlag("remote.token", "token")
	bindFlag("json", "json")
}

func bindFlag(key, flag string) {
	_ = settings.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
}

// setupLogging routes logs to a rotating file when log.file is set.
func setupLogging() {
	if cfg.Log.File == "" {
		return
	}
	path := cfg.Log.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DataDir, path)
	}
	logOut = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(logOut)
}

// newLogger returns a component logger writing to the configured output.
func newLogger(prefix string) *log.Logger {
	if !strings.HasSuffix(prefix, " ") {
		prefix += " "
	}
	return log.New(logOut, prefix, log.LstdFlags)
}

func jsonOutput() bool {
	return settings.GetBool("json")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
