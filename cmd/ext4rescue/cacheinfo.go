package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epi/ext4rescue/internal/treecache"
)

var cacheInfoDdrescuePath string

var cacheInfoCmd = &cobra.Command{
	Use:   "cache-info <image>",
	Short: "Report whether a tree cache exists for an image, without scanning it",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInfo,
}

func init() {
	rootCmd.AddCommand(cacheInfoCmd)
	cacheInfoCmd.Flags().StringVarP(&cacheInfoDdrescuePath, "map", "m", "", "ddrescue map file the cache was keyed against")
}

// runCacheInfo derives the same cache identity runScan would and reports a
// hit or miss, plus node counts on a hit, without opening the image or
// running the scanner.
func runCacheInfo(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	imgInfo, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	identity := treecache.Identity{ImagePath: imagePath, ImageMtime: imgInfo.ModTime()}
	if cacheInfoDdrescuePath != "" {
		ddInfo, err := os.Stat(cacheInfoDdrescuePath)
		if err != nil {
			return fmt.Errorf("stat ddrescue map: %w", err)
		}
		identity.DdrescuePath = cacheInfoDdrescuePath
		identity.DdrescueMtime = ddInfo.ModTime()
	}

	path, err := treecache.Path(identity)
	if err != nil {
		return fmt.Errorf("derive cache path: %w", err)
	}

	tree, err := treecache.Load(identity, log)
	if err != nil {
		fmt.Printf("miss %s\n", path)
		return nil
	}

	fmt.Printf("hit %s nodes=%d\n", path, len(tree.Nodes()))
	return nil
}
