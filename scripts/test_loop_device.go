//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/internal/testimage"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// LoopDevice holds information about an attached image
type LoopDevice struct {
	ImagePath   string
	DevicePath  string
	DeviceSize  uint64
	needsDetach bool
	removeImage bool
}

// attach binds an image file to a read-only loop device
func attach(imagePath string) (*LoopDevice, error) {
	fmt.Printf("=== Attaching image ===\n")
	fmt.Printf("Image: %s\n", imagePath)

	cmd := exec.Command("losetup", "--find", "--show", "--read-only", imagePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to attach image: %w\nOutput: %s", err, string(output))
	}
	devicePath := strings.TrimSpace(string(output))
	if !strings.HasPrefix(devicePath, "/dev/loop") {
		return nil, fmt.Errorf("unexpected losetup output:\n%s", string(output))
	}
	fmt.Printf("✓ Attached to %s\n", devicePath)

	cmd = exec.Command("blockdev", "--getsize64", devicePath)
	output, err = cmd.CombinedOutput()
	if err != nil {
		exec.Command("losetup", "--detach", devicePath).Run()
		return nil, fmt.Errorf("failed to get device size: %w", err)
	}
	deviceSize, err := strconv.ParseUint(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		exec.Command("losetup", "--detach", devicePath).Run()
		return nil, fmt.Errorf("failed to parse device size: %w", err)
	}
	fmt.Printf("Size: %d bytes (%.2f MB)\n", deviceSize, float64(deviceSize)/1024/1024)

	return &LoopDevice{
		ImagePath:   imagePath,
		DevicePath:  devicePath,
		DeviceSize:  deviceSize,
		needsDetach: true,
	}, nil
}

// detach releases the loop device
func (ld *LoopDevice) detach() error {
	if ld.removeImage {
		defer os.Remove(ld.ImagePath)
	}
	if !ld.needsDetach {
		return nil
	}

	fmt.Printf("\n=== Detaching %s ===\n", ld.DevicePath)
	output, err := exec.Command("losetup", "--detach", ld.DevicePath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to detach: %w\nOutput: %s", err, string(output))
	}
	fmt.Printf("✓ Detached\n")
	ld.needsDetach = false
	return nil
}

// writeSampleImage stores a FAT32 volume with one existing and one deleted file
func writeSampleImage() (string, error) {
	img := testimage.NewFAT32(65536)
	img.WriteRoot(
		testimage.ShortEntry("README.TXT", types.FATAttrArchive, 3, 12),
		testimage.Delete(testimage.FileEntries("deleted report.txt", "DELETE~1.TXT", types.FATAttrArchive, 4, 26)),
	)
	img.Chain(3, 1)
	img.WriteCluster(3, []byte("still here.\n"))
	img.WriteCluster(4, []byte("recovered from a loop dev\n"))

	f, err := os.CreateTemp("", "undelete-*.img")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(img.Bytes()); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// testDevice builds a snapshot over the loop device and extracts every deleted file
func testDevice(ld *LoopDevice) error {
	fmt.Printf("\n=== Testing %s ===\n", ld.DevicePath)

	config := services.DefaultConfig()
	config.Device.AutoDetectPartition = true

	e, err := services.Open(ld.DevicePath, config)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer e.Close()

	info := e.Info()
	fmt.Printf("✓ Opened %s volume (%s backend)\n", info.Type, info.Device)
	fmt.Printf("  Bytes per cluster: %d\n", info.BytesPerCluster)
	fmt.Printf("  Clusters: %d\n", info.ClusterCount)

	tree, err := e.Update(context.Background(), types.DefaultOptions|types.OptShowExisting, nil)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}
	fmt.Printf("✓ Snapshot %s with %d records, %d warnings\n", tree.Generation, len(tree.Records), len(tree.Warnings))

	fmt.Printf("\n--- Deleted files ---\n")
	extracted := 0
	for _, entry := range tree.Entries(false) {
		if !entry.Deleted || entry.IsDir {
			continue
		}
		h, err := e.Lookup(entry.Path)
		if err != nil {
			fmt.Printf("⚠ %s: %v\n", entry.Path, err)
			continue
		}
		var content strings.Builder
		report, err := e.Extract(context.Background(), h, "", &content)
		if err != nil && report == nil {
			fmt.Printf("⚠ %s: %v\n", entry.Path, err)
			continue
		}
		extracted++
		fmt.Printf("  - %s (%d bytes, %s)\n", entry.Path, report.Written, entry.Condition)
		if err != nil {
			fmt.Printf("    partial: %v\n", err)
		}
		if report.Written <= 64 {
			fmt.Printf("    %q\n", content.String())
		}
	}
	if extracted == 0 {
		fmt.Printf("  No deleted files found\n")
	}
	return nil
}

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║       Loop Device Recovery Test - Fully Automated     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()

	removeImage := false
	var imagePath string
	if len(os.Args) > 1 {
		imagePath = os.Args[1]
		if !filepath.IsAbs(imagePath) {
			if absPath, err := filepath.Abs(imagePath); err == nil {
				imagePath = absPath
			}
		}
		if _, err := os.Stat(imagePath); os.IsNotExist(err) {
			fmt.Printf("ERROR: image not found: %s\n", imagePath)
			fmt.Printf("\nUsage: sudo go run scripts/test_loop_device.go [path/to/volume.img]\n")
			fmt.Printf("Default: a generated FAT32 image\n")
			os.Exit(1)
		}
	} else {
		p, err := writeSampleImage()
		if err != nil {
			fmt.Printf("ERROR: failed to write sample image: %v\n", err)
			os.Exit(1)
		}
		imagePath, removeImage = p, true
	}

	ld, err := attach(imagePath)
	if err != nil {
		if removeImage {
			os.Remove(imagePath)
		}
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	ld.removeImage = removeImage

	if err := testDevice(ld); err != nil {
		ld.detach()
		fmt.Printf("\nERROR: Test failed: %v\n", err)
		os.Exit(1)
	}

	if err := ld.detach(); err != nil {
		fmt.Printf("WARNING: %v\n", err)
	}

	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  All Tests Complete!                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
}
