package content

import (
	"fmt"
	"io"
	"sync"

	"github.com/spaghettifunk/anima-resources/engine/resources"
)

// Blob keeps the raw bytes of an asset, e.g. compiled shader byte code.
type Blob struct {
	mu   sync.RWMutex
	data []byte
}

func NewBlob() resources.Content {
	return &Blob{}
}

func (b *Blob) UpdateContent(r io.Reader, req resources.LoadRequest) (resources.LoadDesc, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return resources.LoadDesc{}, fmt.Errorf("reading blob '%s': %w", req.Key, err)
	}
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
	return resources.LoadDesc{QualityLevelsLoaded: 1}, nil
}

func (b *Blob) UnloadData(keep uint8) resources.LoadDesc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if keep == 0 {
		b.data = nil
		return resources.LoadDesc{}
	}
	return resources.LoadDesc{QualityLevelsLoaded: 1}
}

func (b *Blob) MemoryUsage() resources.MemoryUsage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return resources.MemoryUsage{CPU: uint64(len(b.data))}
}

func (b *Blob) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// Words reinterprets the blob as little-endian 32-bit words, the layout of
// SPIR-V byte code. Trailing bytes that do not fill a word are ignored.
func (b *Blob) Words() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	words := make([]uint32, len(b.data)/4)
	for i := range words {
		byteIndex := i * 4
		words[i] = uint32(b.data[byteIndex]) |
			uint32(b.data[byteIndex+1])<<8 |
			uint32(b.data[byteIndex+2])<<16 |
			uint32(b.data[byteIndex+3])<<24
	}
	return words
}
