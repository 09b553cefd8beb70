package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/ports"
)

const (
	ModelsPathKey    = "models.path"
	modelsFileMode   = 0o600
	modelsDirMode    = 0o700
	modelsConfigFile = "models.toml"
	tempFilePattern  = ".models-*.toml.tmp"
)

// TierRepository reads the ordered tier list from models.toml. A missing file
// yields the built-in defaults.
type TierRepository struct {
	path string
	mu   *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.TierConfigRepository = (*TierRepository)(nil)

func NewTierRepository(cfg *viper.Viper, configDir string) (*TierRepository, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	path := cfg.GetString(ModelsPathKey)
	if path == "" {
		if configDir == "" {
			return nil, errors.New("models path is empty")
		}
		path = filepath.Join(configDir, modelsConfigFile)
	}

	path, err := normalizeModelsPath(path)
	if err != nil {
		return nil, err
	}

	return &TierRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *TierRepository) Path() string {
	return r.path
}

func (r *TierRepository) Load(ctx context.Context) (domain.TierConfig, error) {
	if err := ctx.Err(); err != nil {
		return domain.TierConfig{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, found, err := r.readSchema()
	if err != nil {
		return domain.TierConfig{}, err
	}
	if !found {
		return domain.DefaultTierConfig(), nil
	}

	config := fromSchema(file)
	if err := config.Validate(); err != nil {
		return domain.TierConfig{}, fmt.Errorf("validate models file %s: %w", r.path, err)
	}

	return config, nil
}

// Save validates config and writes it, replacing any existing document.
func (r *TierRepository) Save(ctx context.Context, config domain.TierConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate tier config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return writeTOMLFile(r.path, toSchema(config))
}

func (r *TierRepository) Exists() bool {
	_, err := os.Stat(r.path)
	return err == nil
}

func (r *TierRepository) readSchema() (fileSchema, bool, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, false, nil
		}
		return fileSchema{}, false, fmt.Errorf("read models file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, false, fmt.Errorf("decode models file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, false, err
	}
	file.applyDefaults()

	return file, true, nil
}

func writeTOMLFile(path string, file fileSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(path), modelsDirMode); err != nil {
		return fmt.Errorf("create models directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode models file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp models file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp models file: %w", err)
	}

	if err := tempFile.Chmod(modelsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp models file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp models file: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace models file: %w", err)
	}

	cleanup = false

	return nil
}

func normalizeModelsPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve models path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
