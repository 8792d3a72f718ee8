// Command ext4rescue drives the recovery pipeline against a damaged
// ext2/3/4 image: parse an optional ddrescue map, open the image, scan its
// inode space into a FileTree, and report or cache the result.
package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// config holds the optional TOML-file defaults, overridden by flags.
type config struct {
	CacheDir   string `toml:"cache_dir"`
	CachePages int    `toml:"cache_pages"`
	LogLevel   string `toml:"log_level"`
}

var (
	cfgFile string
	cfg     config
	log     = logrus.StandardLogger()
)

var rootCmd = &cobra.Command{
	Use:   "ext4rescue",
	Short: "Recover files from a damaged ext2/3/4 image",
	Long: `ext4rescue reconstructs a file tree from a raw ext2/3/4 image, optionally
guided by a GNU ddrescue map file describing which byte ranges are readable.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&cfg.CacheDir, "cache-dir", "", "tree cache directory (not consulted: the tree cache is always stored under $HOME/.ext4rescue)")
	rootCmd.PersistentFlags().IntVar(&cfg.CachePages, "cache-pages", 4096, "block cache capacity in pages")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// loadConfig applies cfgFile's TOML defaults, but only into fields the user
// did not already set explicitly on the command line, so flags always win.
func loadConfig(cmd *cobra.Command) error {
	if cfgFile != "" {
		var fileCfg config
		if _, err := toml.DecodeFile(cfgFile, &fileCfg); err != nil {
			return err
		}
		if !cmd.Flags().Changed("cache-dir") && fileCfg.CacheDir != "" {
			cfg.CacheDir = fileCfg.CacheDir
		}
		if !cmd.Flags().Changed("cache-pages") && fileCfg.CachePages != 0 {
			cfg.CachePages = fileCfg.CachePages
		}
		if !cmd.Flags().Changed("log-level") && fileCfg.LogLevel != "" {
			cfg.LogLevel = fileCfg.LogLevel
		}
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("ext4rescue: failed")
		os.Exit(1)
	}
}
