package assets

import (
	"github.com/spaghettifunk/anima-resources/engine/assets/content"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

const (
	TYPE_NAME_TEXTURE  = "Texture"
	TYPE_NAME_MATERIAL = "Material"
	TYPE_NAME_BLOB     = "Blob"
)

/**
 * @brief Returns the registrations of the built-in asset types, all reading
 * from files below basePath. Texture content updates run on the main
 * goroutine, where a renderer would upload them.
 */
func BuiltinTypes(basePath string) []systems.TypeInfo {
	files := loaders.NewFileLoader(basePath, "")
	return []systems.TypeInfo{
		{
			Name:            TYPE_NAME_TEXTURE,
			Extensions:      []string{".png", ".bmp", ".tif", ".tiff"},
			New:             content.NewTexture,
			NewMissing:      content.NewCheckerTexture,
			Loader:          files,
			Affinity:        resources.AffinityMainThread,
			Priority:        resources.PriorityMedium,
			BaselineQuality: 1,
			MaxQuality:      content.MaxTextureQuality,
		},
		{
			Name:       TYPE_NAME_MATERIAL,
			Extensions: []string{".amt"},
			New:        content.NewMaterial,
			NewMissing: content.NewDefaultMaterial,
			Loader:     files,
			Priority:   resources.PriorityHigh,
			MaxQuality: 1,
		},
		{
			Name:       TYPE_NAME_BLOB,
			Extensions: []string{".bin", ".spv"},
			New:        content.NewBlob,
			Loader:     files,
			Priority:   resources.PriorityLow,
			MaxQuality: 1,
		},
	}
}
