// Package maskcodec converts model mask output into the normalized records
// the API and the export pipeline work with: COCO run-length encodings,
// bounding boxes and polygon contours.
package maskcodec

import "fmt"

// Mask is a binary image stored row-major: pixel (x, y) is Data[y*Width+x].
type Mask struct {
	Height int
	Width  int
	Data   []bool
}

// NewMask returns an all-false mask of the given size.
func NewMask(height, width int) Mask {
	if height < 0 {
		height = 0
	}
	if width < 0 {
		width = 0
	}
	return Mask{Height: height, Width: width, Data: make([]bool, height*width)}
}

// MaskFromRows builds a mask from a row-major [][]bool. All rows must have
// the same length.
func MaskFromRows(rows [][]bool) (Mask, error) {
	if len(rows) == 0 {
		return NewMask(0, 0), nil
	}
	m := NewMask(len(rows), len(rows[0]))
	for y, row := range rows {
		if len(row) != m.Width {
			return Mask{}, fmt.Errorf("row %d has %d columns, want %d", y, len(row), m.Width)
		}
		copy(m.Data[y*m.Width:(y+1)*m.Width], row)
	}
	return m, nil
}

func (m Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Data[y*m.Width+x]
}

func (m Mask) Set(x, y int, v bool) {
	m.Data[y*m.Width+x] = v
}

// Any reports whether at least one pixel is set.
func (m Mask) Any() bool {
	for _, v := range m.Data {
		if v {
			return true
		}
	}
	return false
}

// Area is the number of set pixels.
func (m Mask) Area() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

func (m Mask) Clone() Mask {
	data := make([]bool, len(m.Data))
	copy(data, m.Data)
	return Mask{Height: m.Height, Width: m.Width, Data: data}
}

// Or returns the pixelwise union of m and other. The masks must share a size.
func (m Mask) Or(other Mask) (Mask, error) {
	if m.Height != other.Height || m.Width != other.Width {
		return Mask{}, fmt.Errorf("mask size mismatch: %dx%d vs %dx%d", m.Height, m.Width, other.Height, other.Width)
	}
	out := m.Clone()
	for i, v := range other.Data {
		if v {
			out.Data[i] = true
		}
	}
	return out, nil
}

// Equal reports whether two masks have the same size and pixels.
func (m Mask) Equal(other Mask) bool {
	if m.Height != other.Height || m.Width != other.Width || len(m.Data) != len(other.Data) {
		return false
	}
	for i := range m.Data {
		if m.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}
