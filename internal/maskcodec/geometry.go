package maskcodec

import "math"

// BBoxXYWH returns [x_min, y_min, width, height] of the set pixels, with
// width and height counted inclusively. An empty mask yields all zeros.
func BBoxXYWH(m Mask) [4]float64 {
	minX, minY := m.Width, m.Height
	maxX, maxY := -1, -1
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if !v {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return [4]float64{}
	}
	return [4]float64{
		float64(minX),
		float64(minY),
		float64(maxX - minX + 1),
		float64(maxY - minY + 1),
	}
}

// Moore neighbourhood in counter-clockwise order (image coordinates, y
// down), starting east. Contours come out in the same rotation as OpenCV's
// findContours: down the left side first.
var neighbours = [8][2]int{
	{1, 0}, {1, -1}, {0, -1}, {-1, -1}, {-1, 0}, {-1, 1}, {0, 1}, {1, 1},
}

func neighbourIndex(dx, dy int) int {
	for i, d := range neighbours {
		if d[0] == dx && d[1] == dy {
			return i
		}
	}
	return -1
}

// LargestExternalContour traces the outer boundary of every 8-connected
// component and returns the one enclosing the largest polygon area, with
// straight runs compressed to their end points. Ties go to the component
// found first in raster order. Returns nil for an empty mask.
func LargestExternalContour(m Mask) [][2]int {
	labels := make([]int, len(m.Data))
	var best [][2]int
	bestArea := -1.0
	next := 0

	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			i := y*m.Width + x
			if !m.Data[i] || labels[i] != 0 {
				continue
			}
			next++
			labelComponent(m, labels, x, y, next)

			contour := compressContour(traceBoundary(m, x, y))
			area := polygonArea(contour)
			if area > bestArea {
				best, bestArea = contour, area
			}
		}
	}
	return best
}

func labelComponent(m Mask, labels []int, sx, sy, label int) {
	stack := [][2]int{{sx, sy}}
	labels[sy*m.Width+sx] = label
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range neighbours {
			nx, ny := p[0]+d[0], p[1]+d[1]
			if !m.At(nx, ny) {
				continue
			}
			j := ny*m.Width + nx
			if labels[j] != 0 {
				continue
			}
			labels[j] = label
			stack = append(stack, [2]int{nx, ny})
		}
	}
}

// traceBoundary walks the outer boundary counter-clockwise from (sx, sy),
// which must be the first set pixel of its component in raster order, so its
// west neighbour is background. Tracing stops when the walk is about to leave the
// start pixel in the same direction it first did.
func traceBoundary(m Mask, sx, sy int) [][2]int {
	contour := [][2]int{{sx, sy}}
	cx, cy := sx, sy
	back := 4 // west
	firstDir := -1
	limit := 4*len(m.Data) + 8

	for step := 0; step < limit; step++ {
		dir := -1
		for i := 1; i <= 8; i++ {
			d := (back + i) % 8
			if m.At(cx+neighbours[d][0], cy+neighbours[d][1]) {
				dir = d
				break
			}
		}
		if dir < 0 {
			break // isolated pixel
		}
		if cx == sx && cy == sy {
			if firstDir < 0 {
				firstDir = dir
			} else if dir == firstDir {
				break
			}
		}

		prev := neighbours[(dir+7)%8]
		px, py := cx+prev[0], cy+prev[1]
		cx, cy = cx+neighbours[dir][0], cy+neighbours[dir][1]
		back = neighbourIndex(px-cx, py-cy)

		if cx == sx && cy == sy {
			continue
		}
		contour = append(contour, [2]int{cx, cy})
	}
	return contour
}

// compressContour drops points in the middle of horizontal, vertical or
// diagonal runs.
func compressContour(pts [][2]int) [][2]int {
	n := len(pts)
	if n < 3 {
		return pts
	}
	out := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		prev := pts[(i+n-1)%n]
		cur := pts[i]
		next := pts[(i+1)%n]
		d1x, d1y := sign(cur[0]-prev[0]), sign(cur[1]-prev[1])
		d2x, d2y := sign(next[0]-cur[0]), sign(next[1]-cur[1])
		if d1x == d2x && d1y == d2y {
			continue
		}
		out = append(out, cur)
	}
	return out
}

func polygonArea(pts [][2]int) float64 {
	n := len(pts)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += float64(pts[i][0]*pts[j][1] - pts[j][0]*pts[i][1])
	}
	return math.Abs(sum) / 2
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// NormalizedPolygon converts the mask into a flat [x1 y1 x2 y2 ...] list
// normalized by width and height. It uses the largest external contour and
// falls back to the bounding-box rectangle when the contour has fewer than
// three vertices.
func NormalizedPolygon(m Mask, width, height int) []float64 {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	w, h := float64(width), float64(height)

	if contour := LargestExternalContour(m); len(contour) >= 3 {
		coords := make([]float64, 0, 2*len(contour))
		for _, p := range contour {
			coords = append(coords, float64(p[0])/w, float64(p[1])/h)
		}
		return coords
	}

	box := BBoxXYWH(m)
	x1, y1 := box[0]/w, box[1]/h
	x2, y2 := (box[0]+box[2])/w, (box[1]+box[3])/h
	return []float64{x1, y1, x2, y1, x2, y2, x1, y2}
}
