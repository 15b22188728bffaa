package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"DeFi-Sentry/pkg/logger"
)

// Watch 监听配置文件变化，文件被写入后重新解析并回调 onChange。
// 解析失败时保留旧配置，仅记录日志。手续费边界等参数不会热更新，
// 调用方通常只提示需要重启。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// 监听目录而不是文件本身，编辑器的原子保存会替换 inode。
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)
	log := logger.Named("config")
	log.Info("开始监听配置文件", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Error("重新加载配置失败，继续使用旧配置", "path", target, "error", err)
				continue
			}
			log.Info("配置文件已变更", "path", target)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("配置监听出错", "error", err)
		}
	}
}
