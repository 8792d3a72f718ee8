package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/epi/ext4rescue/internal/damagemap"
	"github.com/epi/ext4rescue/internal/ext4image"
	"github.com/epi/ext4rescue/internal/filetree"
	"github.com/epi/ext4rescue/internal/naming"
	"github.com/epi/ext4rescue/internal/rescuelog"
	"github.com/epi/ext4rescue/internal/scanner"
	"github.com/epi/ext4rescue/internal/treecache"
)

var (
	scanDdrescuePath string
	scanNoCache      bool
	scanSaveCache    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <image>",
	Short: "Scan an image and print its recovered file tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&scanDdrescuePath, "map", "m", "", "ddrescue map file describing damaged regions")
	scanCmd.Flags().BoolVar(&scanNoCache, "no-cache", false, "ignore and do not update the tree cache")
	scanCmd.Flags().BoolVar(&scanSaveCache, "save-cache", true, "save the scanned tree to the tree cache")
}

func runScan(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	imgInfo, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	var damage *damagemap.DamageMap
	if scanDdrescuePath != "" {
		damage, err = rescuelog.ParseFile(scanDdrescuePath, uint64(imgInfo.Size()))
		if err != nil {
			return fmt.Errorf("load damage map: %w", err)
		}
	} else {
		damage = damagemap.AllGood(uint64(imgInfo.Size()))
	}

	identity := cacheIdentity(imagePath, imgInfo)

	if !scanNoCache {
		if tree, err := treecache.Load(identity, log); err == nil {
			printSummary(tree)
			return nil
		}
	}

	img, err := ext4image.Open(imagePath, damage, ext4image.WithLogger(log), ext4image.WithCachePages(cfg.CachePages))
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer img.Close()

	s := scanner.New(img, scanner.WithLogger(log), scanner.WithProgress(func(current, total uint64) bool {
		log.WithFields(logrus.Fields{"current": current, "total": total}).Debug("ext4rescue: scanning")
		return true
	}))

	tree := s.Run()
	log.WithField("unreadable_inodes", s.UnreadableInodes()).Info("ext4rescue: scan complete")

	if scanSaveCache && !scanNoCache {
		if err := treecache.Save(identity, tree, log); err != nil {
			log.WithError(err).Warn("ext4rescue: failed to save tree cache")
		}
	}

	printSummary(tree)
	return nil
}

func cacheIdentity(imagePath string, imgInfo os.FileInfo) treecache.Identity {
	id := treecache.Identity{ImagePath: imagePath, ImageMtime: imgInfo.ModTime()}
	if scanDdrescuePath != "" {
		if info, err := os.Stat(scanDdrescuePath); err == nil {
			id.DdrescuePath = scanDdrescuePath
			id.DdrescueMtime = info.ModTime()
		}
	}
	return id
}

func printSummary(tree *filetree.FileTree) {
	resolver := naming.NewResolver(tree)
	for _, n := range tree.Nodes() {
		for _, path := range resolver.Paths(n) {
			fmt.Printf("%s %s\n", filetree.StatusLetters(n.Status), path)
		}
	}
}
