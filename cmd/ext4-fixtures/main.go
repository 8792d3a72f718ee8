// Command ext4-fixtures builds synthetic ext4 images for exercising
// ext4rescue: a clean image, and a damaged variant plus the ddrescue map
// describing which byte ranges of it are unreadable.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/epi/ext4rescue/internal/fixtureimage"
)

const fixtureSizeMB = 64

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	outDir := fs.String("out", ".", "directory to write fixtures into")
	_ = fs.Parse(os.Args[2:])

	switch cmd {
	case "clean":
		if err := runClean(*outDir); err != nil {
			log.Fatalf("clean failed: %v", err)
		}
	case "damaged":
		if err := runDamaged(*outDir); err != nil {
			log.Fatalf("damaged failed: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	prog := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "usage: %s [clean|damaged] [-out dir]\n", prog)
}

// runClean builds an all-good fixture image with a small representative
// tree, suitable for testing the happy path end to end.
func runClean(outDir string) error {
	path := filepath.Join(outDir, "clean.img")
	img, err := buildFixture(path)
	if err != nil {
		return err
	}
	defer img.Close()
	fmt.Printf("wrote %s\n", path)
	return nil
}

// runDamaged builds the same fixture image, then writes a ddrescue map
// file next to it that marks a byte range covering some of the fixture's
// file data as unreadable, for testing status.badData / status.badMap
// paths.
func runDamaged(outDir string) error {
	imgPath := filepath.Join(outDir, "damaged.img")
	img, err := buildFixture(imgPath)
	if err != nil {
		return err
	}
	size := img.Size()
	img.Close()

	mapPath := filepath.Join(outDir, "damaged.map")
	badStart := size / 2
	badEnd := badStart + 64*1024
	content := fmt.Sprintf(
		"# ext4rescue synthetic damage map\n0x%08x 0x%08x +\n0x%08x 0x%08x -\n0x%08x 0x%08x +\n",
		0, badStart, badStart, badEnd-badStart, badEnd, size-badEnd,
	)
	if err := os.WriteFile(mapPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing ddrescue map %q: %w", mapPath, err)
	}

	fmt.Printf("wrote %s and %s\n", imgPath, mapPath)
	return nil
}

func buildFixture(imagePath string) (*fixtureimage.Image, error) {
	_ = os.Remove(imagePath)

	img, err := fixtureimage.New(
		fixtureimage.WithImagePath(imagePath),
		fixtureimage.WithSizeInMB(fixtureSizeMB),
	)
	if err != nil {
		return nil, fmt.Errorf("creating image: %w", err)
	}

	etcInode, err := img.CreateDirectory(fixtureimage.RootInode, "etc", 0o755, 0, 0)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("creating /etc: %w", err)
	}
	if _, err := img.CreateFile(etcInode, "hostname", []byte("ext4rescue-fixture\n"), 0o644, 0, 0); err != nil {
		img.Close()
		return nil, fmt.Errorf("creating /etc/hostname: %w", err)
	}

	homeInode, err := img.CreateDirectory(fixtureimage.RootInode, "home", 0o755, 0, 0)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("creating /home: %w", err)
	}
	userInode, err := img.CreateDirectory(homeInode, "user", 0o700, 1000, 1000)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("creating /home/user: %w", err)
	}
	if _, err := img.CreateFile(userInode, "note.txt", []byte("hello from ext4rescue fixtures\n"), 0o600, 1000, 1000); err != nil {
		img.Close()
		return nil, fmt.Errorf("creating /home/user/note.txt: %w", err)
	}
	if _, err := img.CreateSymlink(fixtureimage.RootInode, "note-link", "home/user/note.txt", 1000, 1000); err != nil {
		img.Close()
		return nil, fmt.Errorf("creating /note-link: %w", err)
	}

	if err := img.CreateLostFound(); err != nil {
		img.Close()
		return nil, fmt.Errorf("creating lost+found: %w", err)
	}

	if err := img.Save(); err != nil {
		img.Close()
		return nil, fmt.Errorf("saving image: %w", err)
	}
	return img, nil
}
