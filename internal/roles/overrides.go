package roles

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Override is a workspace-local adjustment to one builtin role. Zero-valued
// fields leave the builtin untouched.
type Override struct {
	ID          string    `json:"id" yaml:"id"`
	DisplayName string    `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Tier        ModelTier `json:"tier,omitempty" yaml:"tier,omitempty"`
	Template    string    `json:"template,omitempty" yaml:"template,omitempty"`
}

// LoadOverrides applies every .json and .yaml override file found under
// dir. Unknown role ids and malformed files are skipped with a warning so a
// bad override cannot block startup. A missing directory is not an error.
func (r *Registry) LoadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable role override",
				zap.String("path", path), zap.Error(err))
			continue
		}

		var ov Override
		if ext == ".json" {
			err = json.Unmarshal(data, &ov)
		} else {
			err = yaml.Unmarshal(data, &ov)
		}
		if err != nil {
			r.logger.Warn("skipping malformed role override",
				zap.String("path", path), zap.Error(err))
			continue
		}
		r.apply(path, ov)
	}
	return nil
}

func (r *Registry) apply(path string, ov Override) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.roles[strings.ToLower(ov.ID)]
	if !ok {
		r.logger.Warn("role override targets unknown role",
			zap.String("path", path), zap.String("role_id", ov.ID))
		return
	}
	if ov.DisplayName != "" {
		role.DisplayName = ov.DisplayName
	}
	if ov.Tier != "" {
		switch ov.Tier {
		case TierLow, TierMid, TierHigh:
			role.Tier = ov.Tier
		default:
			r.logger.Warn("role override has invalid tier",
				zap.String("path", path), zap.String("tier", string(ov.Tier)))
		}
	}
	if ov.Template != "" {
		if err := r.templates.override(role.TemplateID, ov.Template); err != nil {
			r.logger.Warn("role override has invalid template",
				zap.String("path", path), zap.Error(err))
		}
	}
	r.logger.Info("applied role override",
		zap.String("role_id", role.ID), zap.String("path", path))
}
