package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/tanq16/fetchd/internal/store"
)

// Partition splits [0, size-1] into at most connections contiguous segments of
// at least minSegment bytes each. The last segment absorbs the remainder. An
// unknown size (0) yields one open-ended segment.
func Partition(size int64, connections int, minSegment int64) []store.Segment {
	if size <= 0 {
		return []store.Segment{{Index: 0, Start: 0, End: -1}}
	}
	n := int64(max(connections, 1))
	if minSegment > 0 {
		n = min(n, size/minSegment)
	}
	n = max(n, 1)
	chunk := size / n
	segments := make([]store.Segment, 0, n)
	for i := range n {
		start := i * chunk
		end := start + chunk - 1
		if i == n-1 {
			end = size - 1
		}
		segments = append(segments, store.Segment{Index: int(i), Start: start, End: end})
	}
	return segments
}

func segmentPath(tempPath string, index, count int) string {
	if count == 1 {
		return tempPath
	}
	return fmt.Sprintf("%s%d", tempPath, index)
}

// assembleFile concatenates the segment files, in order, into dest and removes
// them once the combined size matches total.
func assembleFile(parts []string, dest string, total int64) error {
	destFile, err := os.Create(dest)
	if err != nil {
		return err
	}
	var written int64
	for _, part := range parts {
		partFile, err := os.Open(part)
		if err != nil {
			destFile.Close()
			return fmt.Errorf("error opening segment: %v", err)
		}
		n, err := io.Copy(destFile, partFile)
		partFile.Close()
		if err != nil {
			destFile.Close()
			return fmt.Errorf("error copying segment: %v", err)
		}
		written += n
	}
	if err := destFile.Sync(); err != nil {
		destFile.Close()
		return err
	}
	if err := destFile.Close(); err != nil {
		return err
	}
	if total > 0 && written != total {
		return fmt.Errorf("size mismatch: expected %d, got %d", total, written)
	}
	for _, part := range parts {
		os.Remove(part)
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hasTempFiles(tempPath string) bool {
	return fileExists(tempPath) || fileExists(tempPath+"0")
}
