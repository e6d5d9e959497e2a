package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"

	"github.com/heimdex/vidseg/internal/maskcodec"
	"github.com/heimdex/vidseg/internal/video"
)

const (
	cocoPath        = "annotations/coco_instances.json"
	yoloClassesPath = "annotations/yolo/classes.txt"
	manifestPath    = "manifest.json"
)

func imagePath(frame int) string {
	return "images/" + video.FrameName(frame)
}

func yoloLabelPath(frame int) string {
	return fmt.Sprintf("annotations/yolo/labels/%06d.txt", frame)
}

func maskPath(frame, objID int) string {
	return fmt.Sprintf("masks/%06d/obj_%d.png", frame, objID)
}

// encodedObject holds everything the requested formats need for one
// non-empty mask.
type encodedObject struct {
	objID      int
	meta       ResolvedMeta
	categoryID int
	area       int
	bbox       [4]float64
	rle        maskcodec.CompressedRLE
	polygon    []float64
	png        []byte
}

type encodedFrame struct {
	index   int
	objects []encodedObject
}

// encodeFrame runs the per-mask encoders for one frame, objects in
// ascending id order. Empty masks are skipped.
func encodeFrame(frame int, objs map[int]maskcodec.Mask, req Request, meta MetaTable, cats *Categories, width, height int) (encodedFrame, error) {
	ef := encodedFrame{index: frame}
	for _, id := range sortedIDs(objs) {
		m := objs[id]
		if !m.Any() {
			continue
		}
		md := meta.Lookup(id)
		obj := encodedObject{
			objID:      id,
			meta:       md,
			categoryID: cats.ID(md.ClassName),
			area:       m.Area(),
			bbox:       maskcodec.BBoxXYWH(m),
		}
		if req.Has(FormatCOCO) {
			obj.rle = maskcodec.EncodeRLE(m).Compressed()
		}
		if req.Has(FormatYOLO) {
			obj.polygon = maskcodec.NormalizedPolygon(m, width, height)
		}
		if req.Has(FormatPNG) {
			b, err := encodePNG(m)
			if err != nil {
				return encodedFrame{}, fmt.Errorf("frame %d object %d: %w", frame, id, err)
			}
			obj.png = b
		}
		ef.objects = append(ef.objects, obj)
	}
	return ef, nil
}

type cocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ID           int                     `json:"id"`
	ImageID      int                     `json:"image_id"`
	CategoryID   int                     `json:"category_id"`
	Segmentation maskcodec.CompressedRLE `json:"segmentation"`
	Area         int                     `json:"area"`
	BBox         [4]float64              `json:"bbox"`
	IsCrowd      int                     `json:"iscrowd"`
	ObjID        int                     `json:"sam3_obj_id"`
	InstanceName string                  `json:"instance_name"`
}

type cocoDataset struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []Category       `json:"categories"`
}

// buildCOCO lays out one image per exported frame (id = frame+1) and one
// annotation per encoded object, numbered from 1 in frame order.
func buildCOCO(frames []encodedFrame, cats *Categories, width, height int) cocoDataset {
	ds := cocoDataset{
		Images:      make([]cocoImage, 0, len(frames)),
		Annotations: []cocoAnnotation{},
		Categories:  cats.List(),
	}
	for _, f := range frames {
		ds.Images = append(ds.Images, cocoImage{
			ID:       f.index + 1,
			FileName: video.FrameName(f.index),
			Width:    width,
			Height:   height,
		})
		for _, o := range f.objects {
			ds.Annotations = append(ds.Annotations, cocoAnnotation{
				ID:           len(ds.Annotations) + 1,
				ImageID:      f.index + 1,
				CategoryID:   o.categoryID,
				Segmentation: o.rle,
				Area:         o.area,
				BBox:         o.bbox,
				ObjID:        o.objID,
				InstanceName: o.meta.InstanceName,
			})
		}
	}
	return ds
}

func marshalJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// yoloClasses lists category names in id order, one per line.
func yoloClasses(cats *Categories) []byte {
	var b strings.Builder
	for _, c := range cats.List() {
		b.WriteString(c.Name)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return []byte("\n")
	}
	return []byte(b.String())
}

// yoloLabels writes one "<class_idx> x1 y1 x2 y2 ..." line per object.
// Frames without objects get an empty file.
func yoloLabels(f encodedFrame) []byte {
	var b strings.Builder
	for _, o := range f.objects {
		if len(o.polygon) < 6 {
			continue
		}
		b.WriteString(strconv.Itoa(o.categoryID - 1))
		for _, v := range o.polygon {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// encodePNG writes the mask as an 8-bit grayscale image with values 0/255.
func encodePNG(m maskcodec.Mask) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.At(x, y) {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
