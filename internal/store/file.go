package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"rebalancer-go/balance"
	"rebalancer-go/pricing"
)

const (
	ratesFile       = "rates.json"
	unsupportedFile = "unsupported-market-data-ids.json"
	balancesFile    = "user-balances.json"
	checkpointsFile = "checkpoints.json"
)

// FileStore 把价格、余额和检查点存成数据目录下的 JSON 文件。
// 写入先落临时文件再 rename，读者不会看到半截文件。
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore 创建文件存储，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir 数据目录
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) ReadPrices(ctx context.Context) (pricing.PriceTable, error) {
	table := pricing.PriceTable{}
	if err := s.read(ctx, ratesFile, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func (s *FileStore) WritePrices(ctx context.Context, table pricing.PriceTable) error {
	if table == nil {
		table = pricing.PriceTable{}
	}
	return s.write(ctx, ratesFile, table)
}

func (s *FileStore) ReadUnsupportedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.read(ctx, unsupportedFile, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendUnsupportedID 去重追加，结果按字典序保存。
func (s *FileStore) AppendUnsupportedID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if err := s.readLocked(ctx, unsupportedFile, &ids); err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return s.writeLocked(ctx, unsupportedFile, ids)
}

func (s *FileStore) ReadCheckpoint(ctx context.Context, name string) (time.Time, error) {
	cps := map[string]time.Time{}
	if err := s.read(ctx, checkpointsFile, &cps); err != nil {
		return time.Time{}, err
	}
	return cps[name], nil
}

func (s *FileStore) WriteCheckpoint(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := map[string]time.Time{}
	if err := s.readLocked(ctx, checkpointsFile, &cps); err != nil {
		return err
	}
	cps[name] = at.UTC()
	return s.writeLocked(ctx, checkpointsFile, cps)
}

func (s *FileStore) ReadAll(ctx context.Context) (map[string]balance.Holdings, error) {
	all := map[string]balance.Holdings{}
	if err := s.read(ctx, balancesFile, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *FileStore) WriteAll(ctx context.Context, all map[string]balance.Holdings) error {
	if all == nil {
		all = map[string]balance.Holdings{}
	}
	return s.write(ctx, balancesFile, all)
}

func (s *FileStore) read(ctx context.Context, name string, dst interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx, name, dst)
}

func (s *FileStore) write(ctx context.Context, name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, name, v)
}

// readLocked 文件不存在或为空时 dst 保持原值。
func (s *FileStore) readLocked(ctx context.Context, name string, dst interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeLocked(ctx context.Context, name string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
