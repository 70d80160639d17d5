package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

// Shards are named shard-NNNNNN.tar, at least six digits, anywhere below a root.
var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// ErrNoShards is returned when a root holds no shard files.
var ErrNoShards = errors.New("dataset: no shards discovered")

// DiscoverShards walks root and returns every image/target shard in
// lexical path order. Non-shard files are ignored.
func DiscoverShards(root string) ([]string, error) {
	var shards []string
	walk := func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir(), !shardRegexp.MatchString(d.Name()):
			return nil
		}
		shards = append(shards, path)
		return nil
	}
	if err := filepath.WalkDir(root, walk); err != nil {
		return nil, fmt.Errorf("discover shards in %s: %w", root, err)
	}
	sort.Strings(shards)
	return shards, nil
}

// DiscoverByRoot maps each training or validation root to its shards. A root
// without shards is an error, so a mistyped path fails before any decoding.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	byRoot := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("%w under %s", ErrNoShards, root)
		}
		byRoot[root] = shards
	}
	return byRoot, nil
}
