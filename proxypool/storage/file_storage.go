package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"linkguard/internal/shared/logger"
	"linkguard/proxypool/model"
)

// Storage 接口定义了代理数据持久化的行为。
type Storage interface {
	Load() (map[string]*model.ProxyEndpoint, error)
	Save(proxies map[string]*model.ProxyEndpoint) error
}

// FileStorage 实现了 Storage 接口，使用 JSON 文件进行持久化。
// 写入先落到临时文件再 rename，进程中途退出不会留下半截文件。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从文件加载代理数据到内存 map 中。文件不存在时返回空 map。
func (fs *FileStorage) Load() (map[string]*model.ProxyEndpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy data file not found, starting with an empty pool.")
			return make(map[string]*model.ProxyEndpoint), nil
		}
		return nil, err
	}

	var list []*model.ProxyEndpoint
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse proxy file %s: %w", fs.filePath, err)
		}
	}

	proxyMap := make(map[string]*model.ProxyEndpoint, len(list))
	for i, p := range list {
		if p == nil || p.ID == "" || p.URL == "" {
			l.Warn().Int("index", i).Msg("Skipping malformed proxy record.")
			continue
		}
		if _, err := model.ParseStatus(string(p.Status)); err != nil {
			l.Warn().Str("proxy_id", p.ID).Str("status", string(p.Status)).Msg("Unknown status in proxy file, resetting to pending.")
			p.Status = model.StatusPending
		}
		p.Metrics.Derive()
		proxyMap[p.ID] = p
	}

	l.Info().Int("count", len(proxyMap)).Msg("Successfully loaded proxies from file.")
	return proxyMap, nil
}

// Save 将代理 map 按 ID 排序后持久化。
func (fs *FileStorage) Save(proxies map[string]*model.ProxyEndpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	proxyList := make([]*model.ProxyEndpoint, 0, len(proxies))
	for _, p := range proxies {
		proxyList = append(proxyList, p)
	}
	sort.Slice(proxyList, func(i, j int) bool {
		return proxyList[i].ID < proxyList[j].ID
	})

	data, err := json.MarshalIndent(proxyList, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal proxies: %w", err)
	}
	if err := WriteFileAtomic(fs.filePath, data); err != nil {
		return err
	}

	l.Debug().Int("count", len(proxyList)).Msg("Saved proxies to file.")
	return nil
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// MemoryStorage keeps nothing on disk; used when no proxies_file is configured and in tests.
type MemoryStorage struct {
	mu    sync.Mutex
	saved map[string]model.ProxyEndpoint
	Saves int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{saved: make(map[string]model.ProxyEndpoint)}
}

func (ms *MemoryStorage) Load() (map[string]*model.ProxyEndpoint, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[string]*model.ProxyEndpoint, len(ms.saved))
	for id, p := range ms.saved {
		c := p.Clone()
		out[id] = &c
	}
	return out, nil
}

func (ms *MemoryStorage) Save(proxies map[string]*model.ProxyEndpoint) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.saved = make(map[string]model.ProxyEndpoint, len(proxies))
	for id, p := range proxies {
		ms.saved[id] = p.Clone()
	}
	ms.Saves++
	return nil
}
