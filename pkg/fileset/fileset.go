// Package fileset enumerates minute files on disk: it walks the data
// directory, skips files currently being written (detected by WAL/swap
// sidecars), derives each file's logical id from its path, and
// enforces the retention cap by deleting the oldest overflow.
package fileset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cube-drone/logmunch/pkg/logging"
	"github.com/cube-drone/logmunch/pkg/minuteid"
)

// FileInfo describes one minute file discovered on disk.
type FileInfo struct {
	Path            string // relative to dataDir
	SizeBytes       int64
	LastModifiedAgo int64 // seconds
	Day             int
	Hour            int
	Minute          int
	ShardID         string
	SortKey         int64
}

// ToMinuteID projects a FileInfo onto the logical id it represents.
func (f FileInfo) ToMinuteID() minuteid.ID {
	return minuteid.New(uint32(f.Day), uint32(f.Hour), uint32(f.Minute), f.ShardID)
}

// parsePath extracts (day, hour, minute, shardID) from a path of the
// shape "/<day>/<hour>/<minute>-<shardID>.db".
func parsePath(relPath string) (day, hour, minute int, shardID string, err error) {
	relPath = filepath.ToSlash(relPath)
	relPath = strings.TrimPrefix(relPath, "/")
	parts := strings.Split(relPath, "/")
	if len(parts) != 3 {
		return 0, 0, 0, "", fmt.Errorf("fileset: unexpected path shape %q", relPath)
	}

	day, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("fileset: bad day in %q: %w", relPath, err)
	}
	hour, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("fileset: bad hour in %q: %w", relPath, err)
	}

	minuteAndShard := strings.TrimSuffix(parts[2], ".db")
	split := strings.SplitN(minuteAndShard, "-", 2)
	if len(split) != 2 {
		return 0, 0, 0, "", fmt.Errorf("fileset: bad minute-shard segment in %q", relPath)
	}
	minute, err = strconv.Atoi(split[0])
	if err != nil {
		return 0, 0, 0, "", fmt.Errorf("fileset: bad minute in %q: %w", relPath, err)
	}
	return day, hour, minute, split[1], nil
}

func isSidecar(relPath string) bool {
	return strings.Contains(relPath, ".wal") || strings.Contains(relPath, ".swp") ||
		strings.Contains(relPath, "-wal") || strings.Contains(relPath, "-shm")
}

func baseName(relPath string) string {
	relPath = strings.Replace(relPath, ".wal", "", 1)
	relPath = strings.Replace(relPath, ".swp", "", 1)
	relPath = strings.Replace(relPath, "-wal", "", 1)
	relPath = strings.Replace(relPath, "-shm", "", 1)
	return relPath
}

// ScanAndClean walks dataDir, builds a FileInfo per discovered minute
// file (skipping in-use sidecars), sorts the result newest-first by
// sort key, and deletes the oldest files past nMinutes, dropping them
// from the returned list too. The second return value is the count of
// files deleted by retention enforcement.
func ScanAndClean(dataDir string, nMinutes int) ([]FileInfo, int, error) {
	type entry struct {
		rel  string
		info fs.FileInfo
	}
	var entries []entry
	inUse := make(map[string]struct{})

	// Two passes: sidecar suffixes don't sort before the .db files they
	// guard, so the in-use set must be complete before any file is
	// admitted or rejected from it.
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warnf("fileset: walk error at %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return nil
		}

		if isSidecar(rel) {
			inUse[baseName(rel)] = struct{}{}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logging.Warnf("fileset: stat error at %s: %v", path, err)
			return nil
		}
		entries = append(entries, entry{rel: rel, info: info})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("fileset: walk %s: %w", dataDir, err)
	}

	var files []FileInfo
	for _, e := range entries {
		if _, busy := inUse[baseName(e.rel)]; busy {
			continue
		}

		day, hour, minute, shardID, err := parsePath(e.rel)
		if err != nil {
			logging.Debugf("fileset: skipping unparseable path %s: %v", e.rel, err)
			continue
		}

		lastModifiedAgo := int64(time.Since(e.info.ModTime()).Seconds())

		files = append(files, FileInfo{
			Path:            e.rel,
			SizeBytes:       e.info.Size(),
			LastModifiedAgo: lastModifiedAgo,
			Day:             day,
			Hour:            hour,
			Minute:          minute,
			ShardID:         shardID,
			SortKey:         int64(day)*1_000_000 + int64(hour)*10_000 + int64(minute)*100 + lastModifiedAgo,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].SortKey > files[j].SortKey })

	deleted := 0
	if nMinutes >= 0 && len(files) > nMinutes {
		overflow := files[nMinutes:]
		files = files[:nMinutes]
		for _, f := range overflow {
			removeFile(filepath.Join(dataDir, f.Path))
			deleted++
		}
	}

	return files, deleted, nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil {
		logging.Warnf("fileset: could not remove %s: %v", path, err)
	}
}
