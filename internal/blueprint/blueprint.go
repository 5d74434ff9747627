// Package blueprint loads the published exam blueprints from TOML files.
//
// A catalog file holds one or more blueprints:
//
//	[[blueprint]]
//	id = "algebra-101"
//	name = "Algebra placement"
//	category = "algebra"
//
//	[blueprint.early_stop]
//	enabled = true
//	se_threshold = 0.35
//	min_items = 6
//
//	[[blueprint.slots]]
//	subject = "math"
//	topic = "algebra"
//	difficulty = "easy"
//	count = 3
package blueprint

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/pavelanni/adaptex/internal/model"
)

type catalogFile struct {
	Blueprints []model.Blueprint `toml:"blueprint"`
}

// Catalog is an immutable set of validated blueprints keyed by id.
type Catalog struct {
	scale model.DifficultyScale
	byID  map[string]model.Blueprint
	order []string
}

// Parse decodes one catalog file. Unknown keys are rejected.
func Parse(data []byte) ([]model.Blueprint, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f catalogFile
	if err := dec.Decode(&f); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("line %d column %d: %w", row, col, err)
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			return nil, fmt.Errorf("unknown keys: %s", strings.TrimSpace(serr.String()))
		}
		return nil, err
	}
	return f.Blueprints, nil
}

// New validates bps against scale and builds a catalog.
func New(scale model.DifficultyScale, bps ...model.Blueprint) (*Catalog, error) {
	c := &Catalog{scale: scale, byID: make(map[string]model.Blueprint, len(bps))}
	for _, bp := range bps {
		if err := bp.Validate(scale); err != nil {
			return nil, err
		}
		if _, dup := c.byID[bp.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", model.ErrInvalidBlueprint, bp.ID)
		}
		c.byID[bp.ID] = bp
		c.order = append(c.order, bp.ID)
	}
	slices.Sort(c.order)
	return c, nil
}

// Load reads every path into one catalog. A directory contributes each
// *.toml file directly inside it.
func Load(scale model.DifficultyScale, paths ...string) (*Catalog, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.toml"))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", p, err)
		}
		slices.Sort(matches)
		files = append(files, matches...)
	}

	var all []model.Blueprint
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		bps, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		all = append(all, bps...)
	}

	c, err := New(scale, all...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the blueprint with the given id.
func (c *Catalog) Get(id string) (model.Blueprint, error) {
	bp, ok := c.byID[id]
	if !ok {
		return model.Blueprint{}, fmt.Errorf("%w: %s", model.ErrUnknownBlueprint, id)
	}
	return bp, nil
}

// List returns all blueprints ordered by id.
func (c *Catalog) List() []model.Blueprint {
	out := make([]model.Blueprint, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.order)
}

// Scale returns the difficulty scale the blueprints were validated against.
func (c *Catalog) Scale() model.DifficultyScale {
	return c.scale
}
