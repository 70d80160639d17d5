package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverByRootRequiresShards(t *testing.T) {
	full := t.TempDir()
	empty := t.TempDir()
	mustWrite(t, filepath.Join(full, "shard-000000.tar"))

	byRoot, err := DiscoverByRoot([]string{full})
	if err != nil {
		t.Fatalf("DiscoverByRoot error: %v", err)
	}
	if len(byRoot[full]) != 1 {
		t.Fatalf("expected 1 shard under %s, got %v", full, byRoot[full])
	}

	_, err = DiscoverByRoot([]string{full, empty})
	if !errors.Is(err, ErrNoShards) {
		t.Fatalf("expected ErrNoShards, got %v", err)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDiscoverShardsSkipsMisnamedFiles(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-1.tar"))
	mustWrite(t, filepath.Join(dir, "shard-000003.tar.tmp"))
	mustWrite(t, filepath.Join(dir, "shard-0000007.tar"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	if len(shards) != 1 || filepath.Base(shards[0]) != "shard-0000007.tar" {
		t.Fatalf("unexpected shards %v", shards)
	}
}
