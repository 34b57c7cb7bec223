package assets

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/comfyvisor/internal/metrics"
)

// DefaultBaseDir is where ComfyUI looks for model files.
const DefaultBaseDir = "/opt/ComfyUI/models"

const (
	chunkSize  = 1 << 20
	fileMode   = 0o755
	dirMode    = 0o755
	maxNameLen = 255
	partMarker = ".part-"
)

var (
	ErrUnknownModelType = errors.New("unknown model type")
	ErrInvalidExtension = errors.New("invalid file extension")
	ErrInvalidName      = errors.New("invalid file name")
	ErrNotFound         = errors.New("model not found")
)

// ModelType names a model subdirectory under the base dir.
type ModelType string

const (
	Checkpoints ModelType = "checkpoints"
	Loras       ModelType = "loras"
	ControlNet  ModelType = "controlnet"
	Embeddings  ModelType = "embeddings"
	VAE         ModelType = "vae"
)

var modelTypes = []ModelType{Checkpoints, Loras, ControlNet, Embeddings, VAE}

// ModelTypes returns every known model type in a stable order.
func ModelTypes() []ModelType { return slices.Clone(modelTypes) }

// ParseModelType accepts the directory name of a model type.
func ParseModelType(s string) (ModelType, error) {
	t := ModelType(s)
	if slices.Contains(modelTypes, t) {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModelType, s)
}

var extensions = []string{".safetensors", ".ckpt", ".pt", ".bin", ".sft"}

// Extensions lists the accepted model file extensions.
func Extensions() []string { return slices.Clone(extensions) }

// Asset describes a stored model file.
type Asset struct {
	Type     ModelType `json:"type"`
	Filename string    `json:"filename"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
}

// Store keeps model files under a base directory. All file access goes
// through an os.Root so names can never escape it.
type Store struct {
	base   string
	root   *os.Root
	logger *slog.Logger
}

// Open creates the base dir and one subdirectory per model type, then roots
// the store there.
func Open(base string, logger *slog.Logger) (*Store, error) {
	if base == "" {
		base = DefaultBaseDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range modelTypes {
		if err := os.MkdirAll(filepath.Join(base, string(t)), dirMode); err != nil {
			return nil, fmt.Errorf("create model dir: %w", err)
		}
	}
	root, err := os.OpenRoot(base)
	if err != nil {
		return nil, fmt.Errorf("open model root: %w", err)
	}
	return &Store{base: base, root: root, logger: logger}, nil
}

func (s *Store) Base() string { return s.base }

func (s *Store) Close() error { return s.root.Close() }

// Save streams r into <base>/<type>/<filename>, replacing any existing file.
// The data goes to a temporary file in the same directory that is renamed
// over the target once complete, so readers never see a partial model and a
// failed upload keeps the previous one.
func (s *Store) Save(t ModelType, filename string, r io.Reader) (Asset, error) {
	if _, err := ParseModelType(string(t)); err != nil {
		return Asset{}, err
	}
	if err := ValidateFilename(filename); err != nil {
		return Asset{}, err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(extensions, ext) {
		return Asset{}, fmt.Errorf("%w %q: allowed %s", ErrInvalidExtension, ext, strings.Join(extensions, ", "))
	}

	rel := filepath.Join(string(t), filename)
	tmp := rel + partMarker + uuid.NewString()[:8]
	f, err := s.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return Asset{}, fmt.Errorf("create %s: %w", rel, err)
	}
	buf := make([]byte, chunkSize)
	// hide ReadFrom so the copy really goes chunk by chunk
	n, err := io.CopyBuffer(struct{ io.Writer }{f}, r, buf)
	if err == nil {
		err = f.Chmod(fileMode)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.root.Rename(tmp, rel)
	}
	if err != nil {
		_ = s.root.Remove(tmp)
		return Asset{}, fmt.Errorf("write %s: %w", rel, err)
	}

	// bump the type dir mtime so ComfyUI rescans it
	dir := filepath.Join(s.base, string(t))
	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		s.logger.Warn("touch model dir failed", "dir", dir, "error", err)
	}

	metrics.IncAssetUploaded(string(t), n)
	s.logger.Info("model saved", "type", t, "filename", filename, "bytes", n)
	return Asset{Type: t, Filename: filename, Path: filepath.Join(s.base, rel), Size: n}, nil
}

// List returns the regular files of every model type, sorted by name.
// Types whose directory is missing are omitted.
func (s *Store) List() (map[ModelType][]string, error) {
	out := make(map[ModelType][]string, len(modelTypes))
	fsys := s.root.FS()
	for _, t := range modelTypes {
		entries, err := fs.ReadDir(fsys, string(t))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", t, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Type().IsRegular() && !isPart(e.Name()) {
				names = append(names, e.Name())
			}
		}
		slices.Sort(names)
		out[t] = names
	}
	return out, nil
}

// Delete removes one model file. Missing files and non-regular entries
// report ErrNotFound.
func (s *Store) Delete(t ModelType, filename string) error {
	if _, err := ParseModelType(string(t)); err != nil {
		return err
	}
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	rel := filepath.Join(string(t), filename)
	fi, err := s.root.Lstat(rel)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.Mode().IsRegular()) {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if err := s.root.Remove(rel); err != nil {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	metrics.IncAssetDeleted(string(t))
	s.logger.Info("model deleted", "type", t, "filename", filename)
	return nil
}

// ValidateFilename accepts a single path element: no separators, no NUL or
// control characters, not "." or "..".
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLen)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidName, name)
		}
	}
	return nil
}

// isPart reports whether name is an upload still in progress.
func isPart(name string) bool {
	return strings.HasPrefix(filepath.Ext(name), partMarker)
}
