package maskcodec

// RawOutputs is one batch of per-object model results for a single frame.
// The four slices are parallel; extra trailing entries in any of them are
// ignored.
type RawOutputs struct {
	ObjIDs    []int
	Probs     []float64
	BoxesXYWH [][4]float64
	Masks     []Mask
}

// Len is the number of complete records in the batch.
func (r RawOutputs) Len() int {
	return min(len(r.ObjIDs), len(r.Probs), len(r.BoxesXYWH), len(r.Masks))
}

// ObjectOutput is the client-facing record for one object on one frame.
type ObjectOutput struct {
	ObjID    int           `json:"obj_id"`
	Score    float64       `json:"score"`
	BBoxXYWH []float64     `json:"bbox_xywh"`
	MaskRLE  CompressedRLE `json:"mask_rle"`
}

// EncodeOutputs converts a raw batch into client records, in batch order.
// The result is never nil.
func EncodeOutputs(raw RawOutputs) []ObjectOutput {
	n := raw.Len()
	out := make([]ObjectOutput, 0, n)
	for i := 0; i < n; i++ {
		box := raw.BoxesXYWH[i]
		out = append(out, ObjectOutput{
			ObjID:    raw.ObjIDs[i],
			Score:    raw.Probs[i],
			BBoxXYWH: []float64{box[0], box[1], box[2], box[3]},
			MaskRLE:  EncodeRLE(raw.Masks[i]).Compressed(),
		})
	}
	return out
}
