package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"sync"
)

// ErrMissingAsset is returned when a shader template or binary cannot be loaded
var ErrMissingAsset = errors.New("missing shader asset")

// Loader reads shader assets by name
type Loader interface {
	Load(name string) ([]byte, error)
}

// FSLoader loads assets from a file system, typically os.DirFS of the asset directory
type FSLoader struct {
	fsys fs.FS
}

// NewFSLoader returns a loader reading from fsys
func NewFSLoader(fsys fs.FS) *FSLoader {
	return &FSLoader{fsys: fsys}
}

// Load reads the named asset
func (l *FSLoader) Load(name string) ([]byte, error) {
	b, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMissingAsset, name, err)
	}
	return b, nil
}

// CachedLoader memoizes another loader. It is safe for concurrent use.
type CachedLoader struct {
	next Loader

	mu    sync.Mutex
	cache map[string][]byte
}

// NewCachedLoader wraps next with a cache
func NewCachedLoader(next Loader) *CachedLoader {
	return &CachedLoader{next: next, cache: make(map[string][]byte)}
}

// Load returns the cached asset, loading it on first use
func (c *CachedLoader) Load(name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.cache[name]; ok {
		return b, nil
	}
	b, err := c.next.Load(name)
	if err != nil {
		return nil, err
	}
	c.cache[name] = b
	return b, nil
}

// LoadTemplate loads a text asset and declares the placeholders its caller fills
func LoadTemplate(l Loader, name string, declared ...Placeholder) (*Template, error) {
	b, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	return NewTemplate(name, string(b), declared...), nil
}

// LoadText loads a text asset
func LoadText(l Loader, name string) (string, error) {
	b, err := l.Load(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoadSPIRV loads a binary asset as little endian 32-bit words, zero padding
// a trailing partial word.
func LoadSPIRV(l Loader, name string) ([]uint32, error) {
	b, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w %s: empty binary", ErrMissingAsset, name)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w %s: %d bytes is not a whole number of words", ErrMissingAsset, name, len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return words, nil
}
