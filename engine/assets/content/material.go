package content

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

// Material is the content of a material configuration file: one
// key = value pair per line, '#' starts a comment.
type Material struct {
	Name            string
	ShaderName      string
	DiffuseColour   [4]float32
	Shininess       float32
	DiffuseMapName  string
	SpecularMapName string
	NormalMapName   string
	AutoRelease     bool

	loaded bool
}

func NewMaterial() resources.Content {
	return &Material{}
}

// NewDefaultMaterial is the placeholder of missing materials.
func NewDefaultMaterial() resources.Content {
	return &Material{
		Name:          "default",
		ShaderName:    "Shader.Builtin.Material",
		DiffuseColour: [4]float32{1, 1, 1, 1},
		loaded:        true,
	}
}

// TextureKeys returns the texture maps referenced by the material.
func (m *Material) TextureKeys() []string {
	var keys []string
	for _, k := range []string{m.DiffuseMapName, m.SpecularMapName, m.NormalMapName} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *Material) UpdateContent(r io.Reader, req resources.LoadRequest) (resources.LoadDesc, error) {
	if err := m.parse(r); err != nil {
		return resources.LoadDesc{}, fmt.Errorf("material '%s': %w", req.Key, err)
	}
	if err := m.validate(); err != nil {
		return resources.LoadDesc{}, fmt.Errorf("material '%s': %w", req.Key, err)
	}
	m.loaded = true
	return resources.LoadDesc{QualityLevelsLoaded: 1}, nil
}

func (m *Material) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		// Split key-value pairs by the first "=" sign
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			core.LogWarn("Skipping invalid material line: %s", line)
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "name":
			m.Name = value
		case "shader":
			m.ShaderName = value
		case "diffuse_colour":
			colourValues := strings.Fields(value)
			if len(colourValues) != 4 {
				return fmt.Errorf("invalid diffuse_colour, expected 4 values: %s", line)
			}
			for i, v := range colourValues {
				f, err := strconv.ParseFloat(v, 32)
				if err != nil {
					return fmt.Errorf("invalid diffuse_colour value: %s", v)
				}
				m.DiffuseColour[i] = float32(f)
			}
		case "shininess":
			shininess, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return fmt.Errorf("invalid shininess value: %s", value)
			}
			m.Shininess = float32(shininess)
		case "diffuse_map_name":
			m.DiffuseMapName = value
		case "specular_map_name":
			m.SpecularMapName = value
		case "normal_map_name":
			m.NormalMapName = value
		case "autorelease":
			autoRelease, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid autorelease value: %s", value)
			}
			m.AutoRelease = autoRelease
		default:
			core.LogWarn("Unknown key '%s' found in material. Skipping...", key)
		}
	}
	return scanner.Err()
}

func (m *Material) validate() error {
	if m.Name == "" {
		return fmt.Errorf("material name is required")
	}
	if m.ShaderName == "" {
		return fmt.Errorf("shader name is required")
	}
	for _, c := range m.DiffuseColour {
		if c < 0 || c > 1 {
			return fmt.Errorf("diffuse_colour values must be between 0.0 and 1.0")
		}
	}
	if m.Shininess < 0 {
		return fmt.Errorf("shininess must be a non-negative value")
	}
	return nil
}

// UnloadData drops nothing: a material has a single quality level that only
// goes away with the material itself.
func (m *Material) UnloadData(keep uint8) resources.LoadDesc {
	if keep == 0 {
		m.loaded = false
		return resources.LoadDesc{}
	}
	return resources.LoadDesc{QualityLevelsLoaded: 1}
}

func (m *Material) MemoryUsage() resources.MemoryUsage {
	size := len(m.Name) + len(m.ShaderName) + len(m.DiffuseMapName) + len(m.SpecularMapName) + len(m.NormalMapName)
	return resources.MemoryUsage{CPU: uint64(size) + 32}
}
