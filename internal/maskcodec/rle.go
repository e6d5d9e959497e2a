package maskcodec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RLE is a COCO run-length encoding. Pixels are scanned column-major and
// Counts alternate between runs of zeros and ones, starting with zeros (the
// first count is 0 when the top-left pixel is set).
type RLE struct {
	Size   [2]int // [height, width]
	Counts []uint32
}

// EncodeRLE run-length encodes a mask.
func EncodeRLE(m Mask) RLE {
	rle := RLE{Size: [2]int{m.Height, m.Width}}
	var run uint32
	current := false
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			v := m.Data[y*m.Width+x]
			if v != current {
				rle.Counts = append(rle.Counts, run)
				run = 0
				current = v
			}
			run++
		}
	}
	rle.Counts = append(rle.Counts, run)
	return rle
}

// DecodeRLE expands an RLE back into a mask.
func DecodeRLE(rle RLE) (Mask, error) {
	h, w := rle.Size[0], rle.Size[1]
	if h < 0 || w < 0 {
		return Mask{}, fmt.Errorf("invalid rle size %v", rle.Size)
	}
	m := NewMask(h, w)
	total := h * w
	pos := 0
	value := false
	for _, c := range rle.Counts {
		n := int(c)
		if pos+n > total {
			return Mask{}, fmt.Errorf("rle counts exceed %d pixels", total)
		}
		if value {
			for i := pos; i < pos+n; i++ {
				x, y := i/h, i%h
				m.Data[y*w+x] = true
			}
		}
		pos += n
		value = !value
	}
	if pos != total {
		return Mask{}, fmt.Errorf("rle counts cover %d of %d pixels", pos, total)
	}
	return m, nil
}

// String returns the compressed counts string used by pycocotools: each
// count (delta-coded against the count two positions back for i > 2) is
// written as little-endian 5-bit groups with a continuation bit, offset by
// 48 into printable ASCII.
func (r RLE) String() string {
	var b strings.Builder
	for i, c := range r.Counts {
		x := int64(c)
		if i > 2 {
			x -= int64(r.Counts[i-2])
		}
		more := true
		for more {
			ch := x & 0x1f
			x >>= 5
			if ch&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				ch |= 0x20
			}
			b.WriteByte(byte(ch + 48))
		}
	}
	return b.String()
}

// ParseCounts decodes a compressed counts string produced by String.
func ParseCounts(size [2]int, s string) (RLE, error) {
	rle := RLE{Size: size}
	p := 0
	for p < len(s) {
		var x int64
		k := uint(0)
		more := true
		for more {
			if p >= len(s) {
				return RLE{}, fmt.Errorf("truncated rle counts string")
			}
			c := int64(s[p]) - 48
			if c < 0 || c > 0x3f {
				return RLE{}, fmt.Errorf("invalid rle character %q at %d", s[p], p)
			}
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		m := len(rle.Counts)
		if m > 2 {
			x += int64(rle.Counts[m-2])
		}
		if x < 0 {
			return RLE{}, fmt.Errorf("negative rle count at index %d", m)
		}
		rle.Counts = append(rle.Counts, uint32(x))
	}
	return rle, nil
}

// CompressedRLE is the JSON form {"size": [h, w], "counts": "..."}.
type CompressedRLE struct {
	Size   [2]int `json:"size"`
	Counts string `json:"counts"`
}

// Compressed converts r to its JSON form.
func (r RLE) Compressed() CompressedRLE {
	return CompressedRLE{Size: r.Size, Counts: r.String()}
}

// Decode parses the counts string and expands it into a mask.
func (c CompressedRLE) Decode() (Mask, error) {
	rle, err := ParseCounts(c.Size, c.Counts)
	if err != nil {
		return Mask{}, err
	}
	return DecodeRLE(rle)
}

// UncompressedRLE is the JSON form with a plain integer counts list, which
// is what the model worker sends over the wire.
type UncompressedRLE struct {
	Size   [2]int   `json:"size"`
	Counts []uint32 `json:"counts"`
}

// UnmarshalJSON accepts either a counts list or a compressed counts string.
func (u *UncompressedRLE) UnmarshalJSON(data []byte) error {
	var raw struct {
		Size   [2]int          `json:"size"`
		Counts json.RawMessage `json:"counts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Size = raw.Size
	if len(raw.Counts) > 0 && raw.Counts[0] == '"' {
		var s string
		if err := json.Unmarshal(raw.Counts, &s); err != nil {
			return err
		}
		rle, err := ParseCounts(raw.Size, s)
		if err != nil {
			return err
		}
		u.Counts = rle.Counts
		return nil
	}
	return json.Unmarshal(raw.Counts, &u.Counts)
}

// Mask decodes u.
func (u UncompressedRLE) Mask() (Mask, error) {
	return DecodeRLE(RLE{Size: u.Size, Counts: u.Counts})
}
