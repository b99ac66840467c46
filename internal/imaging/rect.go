package imaging

// Rect is an axis aligned rectangle in pixel coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.W * r.H
}

// Intersect returns the overlap of r and o, or a zero Rect.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Split divides r into a cols x rows grid, row-major. The last column and
// row absorb the remainder so the cells cover r exactly.
func (r Rect) Split(cols, rows int) []Rect {
	if cols <= 0 {
		cols = 1
	}
	if rows <= 0 {
		rows = 1
	}
	cols = min(cols, max(r.W, 1))
	rows = min(rows, max(r.H, 1))

	out := make([]Rect, 0, cols*rows)
	cw, ch := r.W/cols, r.H/rows
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			c := Rect{X: r.X + i*cw, Y: r.Y + j*ch, W: cw, H: ch}
			if i == cols-1 {
				c.W = r.X + r.W - c.X
			}
			if j == rows-1 {
				c.H = r.Y + r.H - c.Y
			}
			out = append(out, c)
		}
	}
	return out
}
