package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

const indexFile = "index"

func indexPath(dir string) string {
	return filepath.Join(dir, indexFile)
}

func shardPath(dir string, key int) string {
	return filepath.Join(dir, strconv.Itoa(key))
}

// readIndex returns the shard keys listed in dir's index file.
// A missing index means the folder has never been flushed.
func readIndex(dir string) ([]int, error) {
	path := indexPath(dir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var keys []int
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return keys, nil
}

// writeIndex writes keys in descending order
func writeIndex(dir string, keys []int) error {
	sorted := append([]int(nil), keys...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	data, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("failed to encode shard index: %w", err)
	}
	return writeFileAtomic(indexPath(dir), data)
}

func readShard(dir string, key int) ([]Message, error) {
	path := shardPath(dir, key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var msgs []Message
	if err := msgpack.Unmarshal(data, &msgs); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	for i := range msgs {
		if shardKey(msgs[i].Timestamp) != key {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("message %d does not belong to shard %d", msgs[i].ID, key)}
		}
		msgs[i].Timestamp = msgs[i].Timestamp.UTC()
	}
	return msgs, nil
}

// writeShard rewrites a whole shard, newest message first
func writeShard(dir string, key int, msgs []*Message) error {
	sort.Slice(msgs, func(i, j int) bool { return displayBefore(msgs[i], msgs[j]) })
	data, err := msgpack.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode shard %d: %w", key, err)
	}
	return writeFileAtomic(shardPath(dir, key), data)
}

func removeShard(dir string, key int) error {
	if err := os.Remove(shardPath(dir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete shard %d: %w", key, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
