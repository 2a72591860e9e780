package alert

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rebalancer-go/infrastructure/logger"
)

// LogChannel 将告警写入结构化日志
type LogChannel struct {
	log  *logger.Logger
	name string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{log: log, name: name}
}

// Send 按级别写日志
func (c *LogChannel) Send(a Alert) error {
	fields := []zap.Field{
		zap.String("level", string(a.Level)),
		zap.String("source", a.Source),
		zap.Time("alert_ts", a.Timestamp),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	msg := fmt.Sprintf("[ALERT] %s", a.Message)
	switch a.Level {
	case LevelError, LevelCritical:
		c.log.Error(msg, fields...)
	case LevelWarning:
		c.log.Warn(msg, fields...)
	default:
		c.log.Info(msg, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// MemoryChannel 内存告警通道（测试和健康检查用）
type MemoryChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMemoryChannel 创建内存告警通道
func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name}
}

func (c *MemoryChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("memory channel %s rejected alert", c.name)
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MemoryChannel) Name() string {
	return c.name
}

// Alerts 返回已接收告警的副本
func (c *MemoryChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MemoryChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}
