package export

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/maskcodec"
)

// ResolveBounds clamps the scope into [0, numFrames-1] and rejects an
// inverted range.
func ResolveBounds(numFrames int, scope Scope) (int, int, error) {
	last := max(numFrames-1, 0)
	start, end := 0, last
	if scope.FrameStart != nil {
		start = *scope.FrameStart
	}
	if scope.FrameEnd != nil {
		end = *scope.FrameEnd
	}
	start = min(max(start, 0), last)
	end = min(max(end, 0), last)
	if start > end {
		return 0, 0, apperr.New(apperr.KindInvalidRange, "frame_start cannot be greater than frame_end")
	}
	return start, end, nil
}

// MergeGroupDef is a merge group with its synthetic object id assigned.
type MergeGroupDef struct {
	Name           string `json:"name"`
	ObjIDs         []int  `json:"obj_ids"`
	SyntheticObjID int    `json:"synthetic_obj_id"`
}

// BuildMergeDefs numbers groups from SyntheticIDBase in request order.
// Member ids are de-duplicated keeping first occurrence; groups left empty
// are dropped without consuming an id.
func BuildMergeDefs(groups []MergeGroup) []MergeGroupDef {
	defs := make([]MergeGroupDef, 0, len(groups))
	next := SyntheticIDBase
	for _, g := range groups {
		seen := make(map[int]bool, len(g.ObjIDs))
		ids := make([]int, 0, len(g.ObjIDs))
		for _, id := range g.ObjIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		name := strings.TrimSpace(g.Name)
		if name == "" {
			name = fmt.Sprintf("group_%d", next)
		}
		defs = append(defs, MergeGroupDef{Name: name, ObjIDs: ids, SyntheticObjID: next})
		next++
	}
	return defs
}

// ApplyMergeMode merges one frame's masks. In group mode the members stay
// alongside the union; in destructive mode they are replaced by it. A group
// whose live members union to nothing produces no entry.
func ApplyMergeMode(frame map[int]maskcodec.Mask, mode MergeMode, defs []MergeGroupDef) (map[int]maskcodec.Mask, error) {
	if mode == MergeNone || len(defs) == 0 {
		return frame, nil
	}

	grouped := make(map[int]bool)
	for _, g := range defs {
		for _, id := range g.ObjIDs {
			grouped[id] = true
		}
	}

	out := make(map[int]maskcodec.Mask, len(frame)+len(defs))
	for id, m := range frame {
		if mode == MergeDestructive && grouped[id] {
			continue
		}
		out[id] = m
	}

	for _, g := range defs {
		var union *maskcodec.Mask
		for _, id := range g.ObjIDs {
			m, ok := frame[id]
			if !ok {
				continue
			}
			if union == nil {
				c := m.Clone()
				union = &c
				continue
			}
			merged, err := union.Or(m)
			if err != nil {
				return nil, fmt.Errorf("merge group %q: %w", g.Name, err)
			}
			union = &merged
		}
		if union != nil && union.Any() {
			out[g.SyntheticObjID] = *union
		}
	}
	return out, nil
}

// ResolvedMeta is the class and instance name an object is exported under.
type ResolvedMeta struct {
	ClassName    string `json:"class_name"`
	InstanceName string `json:"instance_name"`
}

type MetaTable map[int]ResolvedMeta

// BuildMetaTable resolves request metadata and adds one entry per merge
// group, named after the group.
func BuildMetaTable(items []ObjectMeta, defs []MergeGroupDef) MetaTable {
	t := make(MetaTable, len(items)+len(defs))
	for _, item := range items {
		class := strings.TrimSpace(item.ClassName)
		if class == "" {
			class = "object"
		}
		instance := strings.TrimSpace(item.InstanceName)
		if instance == "" {
			instance = fmt.Sprintf("obj_%d", item.ObjID)
		}
		t[item.ObjID] = ResolvedMeta{ClassName: class, InstanceName: instance}
	}
	for _, g := range defs {
		t[g.SyntheticObjID] = ResolvedMeta{ClassName: g.Name, InstanceName: g.Name}
	}
	return t
}

func (t MetaTable) Lookup(objID int) ResolvedMeta {
	if m, ok := t[objID]; ok {
		return m
	}
	return ResolvedMeta{ClassName: "object", InstanceName: fmt.Sprintf("obj_%d", objID)}
}

type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Categories assigns ids 1, 2, ... to class names in first-seen order.
type Categories struct {
	list []Category
	ids  map[string]int
}

// BuildCategories scans frames ascending and object ids ascending within a
// frame, registering each object's class name.
func BuildCategories(frames []int, merged map[int]map[int]maskcodec.Mask, meta MetaTable) *Categories {
	c := &Categories{list: []Category{}, ids: make(map[string]int)}
	for _, f := range frames {
		for _, id := range sortedIDs(merged[f]) {
			name := meta.Lookup(id).ClassName
			if _, ok := c.ids[name]; ok {
				continue
			}
			c.ids[name] = len(c.list) + 1
			c.list = append(c.list, Category{ID: len(c.list) + 1, Name: name})
		}
	}
	return c
}

func (c *Categories) ID(name string) int {
	return c.ids[name]
}

// List returns categories in id order.
func (c *Categories) List() []Category {
	return slices.Clone(c.list)
}

func sortedIDs(objs map[int]maskcodec.Mask) []int {
	return slices.Sorted(maps.Keys(objs))
}
