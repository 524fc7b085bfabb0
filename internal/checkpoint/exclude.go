package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"agentcore/internal/logging"
)

// defaultExcludes 任何配置下都不纳入检查点的路径
// defaultExcludes are never captured in a checkpoint under any configuration
var defaultExcludes = []string{
	".git/**",
	".DS_Store",
}

// writeExcludes 把校验过的排除模式写入影子仓库的 info/exclude。
// 非法模式跳过并记日志，不让一条坏配置拖垮整个检查点功能。
// writeExcludes writes validated exclude patterns to the shadow repo's
// info/exclude. Invalid patterns are skipped and logged so one bad config
// entry cannot take down checkpointing.
func (m *Manager) writeExcludes() error {
	patterns := make([]string, 0, len(defaultExcludes)+len(m.excludes))
	patterns = append(patterns, defaultExcludes...)
	for _, p := range m.excludes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			logging.Get().Warn("skipping invalid exclude pattern", "pattern", p)
			continue
		}
		patterns = append(patterns, p)
	}

	infoDir := filepath.Join(m.gitDir, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return fmt.Errorf("create info dir: %w", err)
	}
	content := strings.Join(patterns, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(infoDir, "exclude"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write exclude file: %w", err)
	}
	return nil
}

// Excluded 报告某工作区相对路径是否命中排除模式。
// Excluded reports whether a workspace-relative path matches an exclude
// pattern.
func (m *Manager) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range defaultExcludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	for _, p := range m.excludes {
		if !doublestar.ValidatePattern(p) {
			continue
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
