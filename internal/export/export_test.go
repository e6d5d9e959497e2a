package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/maskcodec"
)

func box(h, w, x0, y0, x1, y1 int) maskcodec.Mask {
	m := maskcodec.NewMask(h, w)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			m.Set(x, y, true)
		}
	}
	return m
}

func intPtr(v int) *int { return &v }

func testSource(t *testing.T) Source {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, frameFile(i)), []byte("jpg"), 0o644))
	}
	return Source{SessionID: "sess1", FramesDir: dir, NumFrames: 3, Width: 10, Height: 8}
}

func frameFile(i int) string {
	return filepath.Base(imagePath(i))
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[f.Name] = b
	}
	return files
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBuild_COCOAndYOLO(t *testing.T) {
	src := testSource(t)
	mask := box(8, 10, 3, 2, 6, 4)
	cache := map[int]map[int]maskcodec.Mask{0: {1: mask}, 1: {1: mask}}

	req := DefaultRequest()
	req.Formats = []Format{FormatCOCO, FormatYOLO}
	req.ObjectMeta = []ObjectMeta{{ObjID: 1, ClassName: "cow", InstanceName: "cow_1"}}
	req.Scope = Scope{FrameStart: intPtr(0), FrameEnd: intPtr(1), IncludeImages: true}

	res, err := Build(context.Background(), src, cache, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NumFrames)
	assert.Equal(t, 2, res.Annotations)

	files := readZip(t, res.Archive)
	for _, name := range []string{
		"images/000000.jpg",
		"images/000001.jpg",
		"annotations/coco_instances.json",
		"annotations/yolo/classes.txt",
		"annotations/yolo/labels/000000.txt",
		"annotations/yolo/labels/000001.txt",
		"manifest.json",
	} {
		assert.Contains(t, files, name)
	}
	assert.NotContains(t, files, "images/000002.jpg")

	var coco cocoDataset
	require.NoError(t, json.Unmarshal(files["annotations/coco_instances.json"], &coco))
	assert.Len(t, coco.Images, 2)
	require.Len(t, coco.Annotations, 2)
	assert.Equal(t, []Category{{ID: 1, Name: "cow"}}, coco.Categories)

	ann := coco.Annotations[1]
	assert.Equal(t, 2, ann.ID)
	assert.Equal(t, 2, ann.ImageID)
	assert.Equal(t, 1, ann.CategoryID)
	assert.Equal(t, 12, ann.Area)
	assert.Equal(t, [4]float64{3, 2, 4, 3}, ann.BBox)
	assert.Equal(t, 1, ann.ObjID)
	assert.Equal(t, "cow_1", ann.InstanceName)
	decoded, err := ann.Segmentation.Decode()
	require.NoError(t, err)
	assert.True(t, mask.Equal(decoded))

	assert.Equal(t, "cow\n", string(files["annotations/yolo/classes.txt"]))
	assert.Equal(t,
		"0 0.300000 0.250000 0.300000 0.500000 0.600000 0.500000 0.600000 0.250000\n",
		string(files["annotations/yolo/labels/000000.txt"]))
}

func TestBuild_DestructiveMergeReplacesMembers(t *testing.T) {
	src := testSource(t)
	a := box(8, 10, 0, 0, 1, 1)
	b := box(8, 10, 2, 0, 3, 1)
	cache := map[int]map[int]maskcodec.Mask{0: {1: a, 2: b}}

	req := DefaultRequest()
	req.Formats = []Format{FormatCOCO, FormatPNG}
	req.ObjectMeta = []ObjectMeta{
		{ObjID: 1, ClassName: "cow", InstanceName: "cow_1"},
		{ObjID: 2, ClassName: "cow", InstanceName: "cow_2"},
	}
	req.Merge = MergeConfig{Mode: MergeDestructive, Groups: []MergeGroup{{Name: "herd", ObjIDs: []int{1, 2}}}}
	req.Scope = Scope{FrameStart: intPtr(0), FrameEnd: intPtr(0)}

	res, err := Build(context.Background(), src, cache, req)
	require.NoError(t, err)

	files := readZip(t, res.Archive)
	var coco cocoDataset
	require.NoError(t, json.Unmarshal(files[cocoPath], &coco))
	require.Len(t, coco.Annotations, 1)
	assert.Equal(t, SyntheticIDBase, coco.Annotations[0].ObjID)
	assert.Equal(t, 8, coco.Annotations[0].Area)
	assert.Equal(t, "herd", coco.Categories[0].Name)

	pngData, ok := files["masks/000000/obj_2000000000.png"]
	require.True(t, ok, "synthetic mask png missing")
	img, err := png.Decode(bytes.NewReader(pngData))
	require.NoError(t, err)
	r, _, _, _ := img.At(3, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	r, _, _, _ = img.At(5, 5).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.NotContains(t, files, "masks/000000/obj_1.png")
}

func TestBuild_InvalidRangeBeforeWork(t *testing.T) {
	req := DefaultRequest()
	req.Formats = []Format{FormatCOCO}
	req.Scope = Scope{FrameStart: intPtr(2), FrameEnd: intPtr(1)}

	// a frames dir that does not exist would fail image copying
	src := Source{SessionID: "s", FramesDir: "/nonexistent", NumFrames: 3, Width: 4, Height: 4}
	_, err := Build(context.Background(), src, nil, req)
	assert.True(t, apperr.Is(err, apperr.KindInvalidRange), "got %v", err)
}

func TestBuild_RejectsBadRequest(t *testing.T) {
	src := Source{SessionID: "s", NumFrames: 1, Width: 1, Height: 1}

	req := DefaultRequest()
	_, err := Build(context.Background(), src, nil, req)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	req.Formats = []Format{"pascal_voc"}
	_, err = Build(context.Background(), src, nil, req)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	req.Formats = []Format{FormatCOCO}
	req.Merge.Mode = "blend"
	_, err = Build(context.Background(), src, nil, req)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestBuild_EntryOrderAndManifest(t *testing.T) {
	src := testSource(t)
	cache := map[int]map[int]maskcodec.Mask{
		0: {5: box(8, 10, 0, 0, 2, 2), -1: box(8, 10, 5, 5, 6, 6)},
		2: {5: maskcodec.NewMask(8, 10)},
	}

	req := DefaultRequest()
	req.Formats = []Format{FormatPNG, FormatYOLO, FormatCOCO}
	req.ObjectMeta = []ObjectMeta{{ObjID: 5, ClassName: " person "}, {ObjID: 9}}
	req.Merge = MergeConfig{Mode: MergeModeGroup, Groups: []MergeGroup{
		{Name: "", ObjIDs: []int{}},
		{Name: " ", ObjIDs: []int{5, -1, 5}},
	}}

	res, err := Build(context.Background(), src, cache, req)
	require.NoError(t, err)

	names := zipNames(t, res.Archive)
	assert.Equal(t, []string{
		"images/000000.jpg",
		"images/000001.jpg",
		"images/000002.jpg",
		"annotations/coco_instances.json",
		"annotations/yolo/classes.txt",
		"annotations/yolo/labels/000000.txt",
		"annotations/yolo/labels/000001.txt",
		"annotations/yolo/labels/000002.txt",
		"masks/000000/obj_-1.png",
		"masks/000000/obj_5.png",
		"masks/000000/obj_2000000000.png",
		"manifest.json",
	}, names)

	files := readZip(t, res.Archive)
	assert.Empty(t, files["annotations/yolo/labels/000001.txt"])

	var m struct {
		SessionID   string          `json:"session_id"`
		FrameRange  [2]int          `json:"frame_range"`
		NumFrames   int             `json:"num_frames"`
		Formats     []string        `json:"formats"`
		MergeMode   string          `json:"merge_mode"`
		MergeGroups []MergeGroupDef `json:"merge_groups"`
		Categories  []Category      `json:"categories"`
		ObjectMeta  []struct {
			ObjID        int    `json:"obj_id"`
			ClassName    string `json:"class_name"`
			InstanceName string `json:"instance_name"`
		} `json:"object_meta"`
	}
	require.NoError(t, json.Unmarshal(files["manifest.json"], &m))
	assert.Equal(t, "sess1", m.SessionID)
	assert.Equal(t, [2]int{0, 2}, m.FrameRange)
	assert.Equal(t, 3, m.NumFrames)
	assert.Equal(t, []string{"binary_masks_png", "yolo_segmentation", "coco_instance"}, m.Formats)
	assert.Equal(t, "group", m.MergeMode)
	assert.Equal(t, []MergeGroupDef{{Name: "group_2000000000", ObjIDs: []int{5, -1}, SyntheticObjID: 2000000000}}, m.MergeGroups)
	// frame 0 ascending ids: -1 (object), 5 (person), synthetic group
	assert.Equal(t, []Category{{1, "object"}, {2, "person"}, {3, "group_2000000000"}}, m.Categories)

	ids := make([]int, 0, len(m.ObjectMeta))
	for _, o := range m.ObjectMeta {
		ids = append(ids, o.ObjID)
	}
	assert.True(t, sort.IntsAreSorted(ids))
	assert.Equal(t, []int{5, 9, 2000000000}, ids)
	assert.Equal(t, "obj_9", m.ObjectMeta[1].InstanceName)
	assert.Equal(t, "object", m.ObjectMeta[1].ClassName)
}

func TestBuild_Deterministic(t *testing.T) {
	src := testSource(t)
	cache := map[int]map[int]maskcodec.Mask{
		0: {1: box(8, 10, 0, 0, 3, 3), 2: box(8, 10, 4, 4, 7, 7), 3: box(8, 10, 8, 0, 9, 1)},
		1: {2: box(8, 10, 1, 1, 2, 2)},
	}
	req := DefaultRequest()
	req.Formats = []Format{FormatCOCO, FormatYOLO, FormatPNG}

	first, err := Build(context.Background(), src, cache, req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Build(context.Background(), src, cache, req)
		require.NoError(t, err)
		assert.Equal(t, first.Archive, again.Archive)
	}
}

func TestResolveBounds(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		scope     Scope
		wantStart int
		wantEnd   int
		wantErr   bool
	}{
		{"defaults", 5, Scope{}, 0, 4, false},
		{"clamped", 5, Scope{FrameStart: intPtr(-3), FrameEnd: intPtr(99)}, 0, 4, false},
		{"single", 5, Scope{FrameStart: intPtr(2), FrameEnd: intPtr(2)}, 2, 2, false},
		{"inverted", 5, Scope{FrameStart: intPtr(3), FrameEnd: intPtr(1)}, 0, 0, true},
		{"start clamps past end", 5, Scope{FrameStart: intPtr(10), FrameEnd: intPtr(2)}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := ResolveBounds(tt.n, tt.scope)
			if tt.wantErr {
				assert.True(t, apperr.Is(err, apperr.KindInvalidRange))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestBuildMergeDefs(t *testing.T) {
	defs := BuildMergeDefs([]MergeGroup{
		{Name: "a", ObjIDs: []int{3, 1, 3}},
		{Name: "empty", ObjIDs: nil},
		{Name: "  ", ObjIDs: []int{2}},
	})
	assert.Equal(t, []MergeGroupDef{
		{Name: "a", ObjIDs: []int{3, 1}, SyntheticObjID: SyntheticIDBase},
		{Name: "group_2000000001", ObjIDs: []int{2}, SyntheticObjID: SyntheticIDBase + 1},
	}, defs)
}

func TestApplyMergeMode(t *testing.T) {
	m1 := box(4, 4, 0, 0, 0, 0)
	m2 := box(4, 4, 1, 1, 1, 1)
	m3 := box(4, 4, 3, 3, 3, 3)
	frame := map[int]maskcodec.Mask{1: m1, 2: m2, 3: m3}
	defs := BuildMergeDefs([]MergeGroup{{Name: "g1", ObjIDs: []int{1, 2}}})
	synth := defs[0].SyntheticObjID

	keys := func(m map[int]maskcodec.Mask) []int { return sortedIDs(m) }

	destructive, err := ApplyMergeMode(frame, MergeDestructive, defs)
	require.NoError(t, err)
	assert.Equal(t, []int{3, synth}, keys(destructive))
	union, err := m1.Or(m2)
	require.NoError(t, err)
	assert.True(t, union.Equal(destructive[synth]))

	grouped, err := ApplyMergeMode(frame, MergeModeGroup, defs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, synth}, keys(grouped))

	none, err := ApplyMergeMode(frame, MergeNone, defs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, keys(none))

	// members absent or empty on this frame produce no synthetic entry
	sparse := map[int]maskcodec.Mask{2: maskcodec.NewMask(4, 4), 3: m3}
	out, err := ApplyMergeMode(sparse, MergeDestructive, defs)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, keys(out))

	// the input frame is left untouched
	assert.Len(t, frame, 3)
	assert.Equal(t, 1, frame[1].Area())
}

func TestApplyMergeMode_SizeMismatch(t *testing.T) {
	frame := map[int]maskcodec.Mask{1: maskcodec.NewMask(2, 2), 2: maskcodec.NewMask(3, 3)}
	defs := BuildMergeDefs([]MergeGroup{{Name: "g", ObjIDs: []int{1, 2}}})
	_, err := ApplyMergeMode(frame, MergeModeGroup, defs)
	assert.Error(t, err)
}
