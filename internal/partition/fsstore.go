package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"
)

const tmpPrefix = ".tmp-"

// FSStore keeps one directory per partition and one JSON envelope per entry
// on a core.FS, so tests can run against an in-memory filesystem.
type FSStore struct {
	fs   core.FS
	root string

	mu   sync.Mutex
	open map[string]*fsPartition
}

// NewFSStore creates the root directory when missing.
func NewFSStore(fsys core.FS, root string) (*FSStore, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "create cache root")
	}
	return &FSStore{fs: fsys, root: root, open: map[string]*fsPartition{}}, nil
}

func (s *FSStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.open[name]; ok {
		return p, nil
	}
	dir := path.Join(s.root, name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "create partition %q", name)
	}
	p := &fsPartition{fs: s.fs, dir: dir, name: name}
	envs, err := p.scan()
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		if env.Seq > p.seq {
			p.seq = env.Seq
		}
	}
	s.open[name] = p
	return p, nil
}

func (s *FSStore) Names(ctx context.Context) ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "list partitions")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.open[name]; ok {
		p.mu.Lock()
		p.deleted = true
		p.mu.Unlock()
		delete(s.open, name)
	}
	dir := path.Join(s.root, name)
	exists, err := s.fs.Exists(dir)
	if err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "stat partition %q", name)
	}
	if !exists {
		return false, nil
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "remove partition %q", name)
	}
	return true, nil
}

func (s *FSStore) Close() error { return nil }

type fsPartition struct {
	fs   core.FS
	dir  string
	name string

	mu      sync.Mutex
	seq     uint64
	deleted bool
}

func (p *fsPartition) Name() string { return p.name }

func (p *fsPartition) Match(ctx context.Context, key string) (*Response, error) {
	filePath := p.filePath(key)
	data, err := p.fs.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "read entry in %q", p.name)
	}
	env, ok := decodeEnvelope(data, key)
	if !ok {
		_ = p.fs.Remove(filePath)
		return nil, nil
	}
	return env.response(), nil
}

func (p *fsPartition) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("nil response for %q", key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return errDeleted(p.name)
	}

	p.seq++
	content, err := json.Marshal(newEnvelope(key, p.seq, resp))
	if err != nil {
		return err
	}

	filePath := p.filePath(key)
	tmpName := path.Join(p.dir, fmt.Sprintf("%s%s-%d", tmpPrefix, path.Base(filePath), p.seq))
	if err := p.fs.WriteFile(tmpName, content, 0o644); err != nil {
		_ = p.fs.Remove(tmpName)
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "write entry in %q", p.name)
	}
	if err := p.fs.Rename(tmpName, filePath); err != nil {
		_ = p.fs.Remove(tmpName)
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "commit entry in %q", p.name)
	}
	return nil
}

func (p *fsPartition) Delete(ctx context.Context, key string) (bool, error) {
	err := p.fs.Remove(p.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "delete entry in %q", p.name)
	}
	return true, nil
}

func (p *fsPartition) Keys(ctx context.Context) ([]string, error) {
	envs, err := p.scan()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(envs))
	for _, env := range envs {
		keys = append(keys, env.Key)
	}
	return keys, nil
}

// scan reads every envelope in the partition ordered by insertion sequence.
// Corrupt files are removed, like a miss.
func (p *fsPartition) scan() ([]envelope, error) {
	entries, err := p.fs.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "list entries in %q", p.name)
	}
	envs := make([]envelope, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		filePath := path.Join(p.dir, e.Name())
		data, err := p.fs.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "read entry in %q", p.name)
		}
		env, ok := decodeEnvelope(data, "")
		if !ok {
			_ = p.fs.Remove(filePath)
			continue
		}
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Seq < envs[j].Seq })
	return envs, nil
}

func (p *fsPartition) filePath(key string) string {
	h := sha256.Sum256([]byte(key))
	return path.Join(p.dir, hex.EncodeToString(h[:])+".json")
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid partition name %q", name)
	}
	return nil
}

func errDeleted(name string) error {
	return platformerrors.Newf(platformerrors.CodeNotFound, "partition %q was deleted", name)
}
