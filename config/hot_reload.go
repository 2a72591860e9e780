package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rebalancer-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次重载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// ReloadHandler 收到已校验的新配置
type ReloadHandler func(cfg AppConfig) error

// HotReloader 监听配置文件，变化时重新加载、校验并交给 handler。
// 监听的是所在目录，这样原子替换（rename）的写法也能被捕获。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	log        *logger.Logger
	handler    ReloadHandler
	lastReload time.Time
	reloads    int
	mu         sync.RWMutex
	stopChan   chan struct{}
	doneChan   chan struct{}
	started    bool
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	if log == nil {
		log = logger.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		log:        log,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// SetReloadHandler 设置重载处理函数
func (h *HotReloader) SetReloadHandler(handler ReloadHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}
	var err error
	h.startOnce.Do(func() {
		if err = h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
			err = fmt.Errorf("failed to watch config dir: %w", err)
			return
		}
		h.mu.Lock()
		h.started = true
		h.mu.Unlock()
		go h.watch(ctx)
	})
	return err
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.mu.RLock()
		started := h.started
		h.mu.RUnlock()
		if started {
			<-h.doneChan
		}
		err = h.watcher.Close()
	})
	return err
}

// Health 实现生命周期接口
func (h *HotReloader) Health() error {
	return nil
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.LogError(err, map[string]interface{}{"component": "hot_reload"})
		}
	}
}

// handleConfigChange 重新加载；校验失败保持旧配置。
func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lastReload.IsZero() && time.Since(h.lastReload) < h.config.CooldownTime {
		return
	}
	cfg, err := LoadWithEnvOverrides(h.configPath)
	if err != nil {
		h.log.LogError(err, map[string]interface{}{"component": "hot_reload", "action": "load"})
		return
	}
	if h.handler != nil {
		if err := h.handler(cfg); err != nil {
			h.log.LogError(err, map[string]interface{}{"component": "hot_reload", "action": "apply"})
			return
		}
	}
	h.lastReload = time.Now()
	h.reloads++
	h.log.Info("config reloaded")
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// Reloads 成功重载次数
func (h *HotReloader) Reloads() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads
}
