package content

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"io"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/** @brief Upper bound of mip levels kept per texture. Each level is a quality level. */
const MaxTextureQuality uint8 = 4

const DEFAULT_TEXTURE_DIMENSION = 64

/**
 * @brief A decoded image with its mip chain. Quality level q holds the q
 * smallest mips; level 1 is the smallest. Higher levels are the first to go
 * when the texture is discarded.
 */
type Texture struct {
	mu     sync.RWMutex
	width  int
	height int
	format string
	// mips[0] is the largest level currently loaded
	mips  []*image.RGBA
	total uint8
}

func NewTexture() resources.Content {
	return &Texture{}
}

/**
 * @brief Creates the placeholder used for missing textures: a blue/white
 * checkerboard generated in code so it never depends on an asset.
 */
func NewCheckerTexture() resources.Content {
	img := image.NewRGBA(image.Rect(0, 0, DEFAULT_TEXTURE_DIMENSION, DEFAULT_TEXTURE_DIMENSION))
	for row := 0; row < DEFAULT_TEXTURE_DIMENSION; row++ {
		for col := 0; col < DEFAULT_TEXTURE_DIMENSION; col++ {
			c := color.RGBA{R: 255, G: 255, B: 255, A: 255}
			if (row%2 == 0) == (col%2 == 0) {
				c.R, c.G = 0, 0
			}
			img.SetRGBA(col, row, c)
		}
	}
	return &Texture{
		width:  DEFAULT_TEXTURE_DIMENSION,
		height: DEFAULT_TEXTURE_DIMENSION,
		format: "checker",
		mips:   []*image.RGBA{img},
		total:  1,
	}
}

func (t *Texture) UpdateContent(r io.Reader, req resources.LoadRequest) (resources.LoadDesc, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return resources.LoadDesc{}, fmt.Errorf("decoding texture '%s': %w", req.Key, err)
	}
	chain := buildMipChain(src, MaxTextureQuality)
	total := uint8(len(chain))
	keep := req.Quality
	if keep == 0 {
		keep = 1
	}
	if keep > total {
		keep = total
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	b := src.Bounds()
	t.width, t.height, t.format = b.Dx(), b.Dy(), format
	t.total = total
	t.mips = chain[total-keep:]
	return t.descLocked(), nil
}

func (t *Texture) UnloadData(keep uint8) resources.LoadDesc {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(keep) < len(t.mips) {
		t.mips = t.mips[len(t.mips)-int(keep):]
	}
	if len(t.mips) == 0 {
		t.mips = nil
	}
	return t.descLocked()
}

func (t *Texture) descLocked() resources.LoadDesc {
	loaded := uint8(len(t.mips))
	desc := resources.LoadDesc{
		QualityLevelsLoaded:   loaded,
		QualityLevelsLoadable: t.total - loaded,
	}
	if loaded > 1 {
		desc.QualityLevelsDiscardable = loaded - 1
	}
	return desc
}

func (t *Texture) MemoryUsage() resources.MemoryUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var size uint64
	for _, m := range t.mips {
		size += uint64(len(m.Pix))
	}
	return resources.MemoryUsage{CPU: size}
}

// Size returns the dimensions of the source image.
func (t *Texture) Size() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.width, t.height
}

func (t *Texture) Format() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.format
}

// MipCount returns the number of loaded mip levels.
func (t *Texture) MipCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.mips)
}

// Mip returns the loaded level i, 0 being the largest one loaded.
func (t *Texture) Mip(i int) *image.RGBA {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.mips) {
		return nil
	}
	return t.mips[i]
}

// buildMipChain halves src until it reaches 1x1 or max levels, largest first.
func buildMipChain(src image.Image, max uint8) []*image.RGBA {
	b := src.Bounds()
	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), src, b.Min, draw.Src)

	chain := []*image.RGBA{base}
	w, h := b.Dx(), b.Dy()
	for uint8(len(chain)) < max && (w > 1 || h > 1) {
		w, h = halve(w), halve(h)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		prev := chain[len(chain)-1]
		draw.BiLinear.Scale(dst, dst.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		chain = append(chain, dst)
	}
	return chain
}

func halve(v int) int {
	if v <= 1 {
		return 1
	}
	return v / 2
}
