// Package anim loads the closed set of animation clips that clients may publish.
package anim

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// yamlCatalogFile is the top-level YAML structure for the animation catalog.
type yamlCatalogFile struct {
	Animations []yamlClip `yaml:"animations"`
}

type yamlClip struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
	Idle  bool   `yaml:"idle"`
}

// Clip is one selectable animation.
type Clip struct {
	Index int
	Name  string
}

// Catalog is an immutable set of animation clips keyed by index.
type Catalog struct {
	clips map[int]Clip
	idle  int
}

// NewCatalog builds a Catalog from clips.
//
// Precondition: clip indices and names must be unique and non-negative; idle must be one of the indices.
// Postcondition: Returns a Catalog or a non-nil error describing the first violation.
func NewCatalog(clips []Clip, idle int) (*Catalog, error) {
	if len(clips) == 0 {
		return nil, errors.New("animation catalog must not be empty")
	}
	c := &Catalog{clips: make(map[int]Clip, len(clips)), idle: idle}
	names := make(map[string]bool, len(clips))
	for _, clip := range clips {
		if clip.Index < 0 {
			return nil, fmt.Errorf("animation %q: index must be >= 0, got %d", clip.Name, clip.Index)
		}
		if clip.Name == "" {
			return nil, fmt.Errorf("animation %d: name must not be empty", clip.Index)
		}
		if _, dup := c.clips[clip.Index]; dup {
			return nil, fmt.Errorf("animation index %d defined twice", clip.Index)
		}
		if names[clip.Name] {
			return nil, fmt.Errorf("animation name %q defined twice", clip.Name)
		}
		names[clip.Name] = true
		c.clips[clip.Index] = clip
	}
	if _, ok := c.clips[idle]; !ok {
		return nil, fmt.Errorf("idle animation %d is not in the catalog", idle)
	}
	return c, nil
}

// LoadFromBytes parses a catalog from YAML.
//
// Postcondition: Exactly one clip must be flagged idle.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing animation YAML: %w", err)
	}

	idle := -1
	clips := make([]Clip, 0, len(file.Animations))
	for _, y := range file.Animations {
		if y.Idle {
			if idle >= 0 {
				return nil, fmt.Errorf("multiple idle animations: %d and %d", idle, y.Index)
			}
			idle = y.Index
		}
		clips = append(clips, Clip{Index: y.Index, Name: y.Name})
	}
	if idle < 0 {
		return nil, errors.New("no idle animation defined")
	}
	return NewCatalog(clips, idle)
}

// LoadFromFile reads a catalog YAML file.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading animation file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// Valid reports whether index names a clip in the catalog.
func (c *Catalog) Valid(index int) bool {
	_, ok := c.clips[index]
	return ok
}

// Idle returns the idle clip index.
func (c *Catalog) Idle() int {
	return c.idle
}

// Clips returns every clip sorted by index.
func (c *Catalog) Clips() []Clip {
	out := make([]Clip, 0, len(c.clips))
	for _, clip := range c.clips {
		out = append(out, clip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
