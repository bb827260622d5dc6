// Package layout computes the circular drawing of a detected transfer cycle.
// Layout is a pure function of the path and canvas size.
package layout

import (
	"math"
	"unicode/utf8"
)

const (
	// NodeRadius is the drawn radius of each account node.
	NodeRadius = 30.0
	// ArrowSize is the length of each arrowhead barb.
	ArrowSize = 15.0
	// arrowSpread is the barb angle either side of the reverse direction.
	arrowSpread = math.Pi / 6
	// MaxLabelLen is the number of characters shown before truncation.
	MaxLabelLen = 8
)

// Point is a canvas coordinate; y grows downwards.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one placed account.
type Node struct {
	AccountID string  `json:"account_id"`
	Label     string  `json:"label"`
	Index     int     `json:"index"`
	Origin    bool    `json:"origin"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Edge is a directed hop between consecutive path entries. Arrow holds the
// arrowhead triangle: tip, then the two barbs.
type Edge struct {
	From  int      `json:"from"`
	To    int      `json:"to"`
	Start Point    `json:"start"`
	End   Point    `json:"end"`
	Angle float64  `json:"angle"`
	Arrow [3]Point `json:"arrow"`
}

// Layout is the computed drawing. Empty reports the "no cycle" rendering.
type Layout struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
	Nodes  []Node  `json:"nodes"`
	Edges  []Edge  `json:"edges"`
}

// Empty reports whether there is no cycle to draw.
func (l Layout) Empty() bool { return len(l.Nodes) < 2 }

// Compute places node i of n at angle 2πi/n − π/2 on a circle of radius
// min(w,h)/3 around the canvas centre, so node 0 is at the top and the rest
// follow clockwise. Edges join path[i] to path[i+1] without closing the
// loop. A path shorter than two entries yields an empty layout.
func Compute(path []string, width, height float64) Layout {
	l := Layout{
		Width:  width,
		Height: height,
		Center: Point{X: width / 2, Y: height / 2},
		Radius: math.Min(width, height) / 3,
		Nodes:  []Node{},
		Edges:  []Edge{},
	}
	if len(path) < 2 {
		return l
	}

	n := float64(len(path))
	for i, id := range path {
		theta := 2*math.Pi*float64(i)/n - math.Pi/2
		l.Nodes = append(l.Nodes, Node{
			AccountID: id,
			Label:     Label(id),
			Index:     i,
			Origin:    i == 0,
			X:         l.Center.X + l.Radius*math.Cos(theta),
			Y:         l.Center.Y + l.Radius*math.Sin(theta),
		})
	}

	for i := 0; i < len(l.Nodes)-1; i++ {
		from, to := l.Nodes[i], l.Nodes[i+1]
		l.Edges = append(l.Edges, edge(from, to))
	}
	return l
}

func edge(from, to Node) Edge {
	start := Point{X: from.X, Y: from.Y}
	end := Point{X: to.X, Y: to.Y}
	angle := math.Atan2(end.Y-start.Y, end.X-start.X)

	// The tip sits on the target node's rim so the head stays visible.
	tip := Point{
		X: end.X - NodeRadius*math.Cos(angle),
		Y: end.Y - NodeRadius*math.Sin(angle),
	}
	if math.Hypot(end.X-start.X, end.Y-start.Y) <= 2*NodeRadius {
		tip = end
	}
	return Edge{
		From:  from.Index,
		To:    to.Index,
		Start: start,
		End:   end,
		Angle: angle,
		Arrow: [3]Point{
			tip,
			{X: tip.X - ArrowSize*math.Cos(angle-arrowSpread), Y: tip.Y - ArrowSize*math.Sin(angle-arrowSpread)},
			{X: tip.X - ArrowSize*math.Cos(angle+arrowSpread), Y: tip.Y - ArrowSize*math.Sin(angle+arrowSpread)},
		},
	}
}

// Label truncates an account id for display.
func Label(id string) string {
	if utf8.RuneCountInString(id) <= MaxLabelLen {
		return id
	}
	r := []rune(id)
	return string(r[:MaxLabelLen]) + "..."
}
