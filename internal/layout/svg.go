package layout

import (
	"fmt"
	"html"
	"strings"
)

const (
	colorEdge   = "#fbbf24"
	colorOrigin = "#dc2626"
	colorNode   = "#ef4444"
	colorLabel  = "#ffffff"
	colorBG     = "#000000"
	colorMuted  = "#6b7280"

	// NoCycleText is shown when there is no cycle to draw.
	NoCycleText = "No circular transaction pattern detected"
)

// RenderSVG draws l as a standalone SVG document.
func RenderSVG(l Layout) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s">`,
		num(l.Width), num(l.Height), num(l.Width), num(l.Height))
	b.WriteByte('\n')
	fmt.Fprintf(&b, `  <rect width="100%%" height="100%%" fill="%s"/>`+"\n", colorBG)

	if l.Empty() {
		fmt.Fprintf(&b, `  <text x="%s" y="%s" fill="%s" font-family="sans-serif" font-size="16" text-anchor="middle" dominant-baseline="middle">%s</text>`+"\n",
			num(l.Center.X), num(l.Center.Y), colorMuted, NoCycleText)
		b.WriteString("</svg>\n")
		return []byte(b.String())
	}

	fmt.Fprintf(&b, `  <g stroke="%s" stroke-width="3" fill="%s">`+"\n", colorEdge, colorEdge)
	for _, e := range l.Edges {
		fmt.Fprintf(&b, `    <line x1="%s" y1="%s" x2="%s" y2="%s"/>`+"\n",
			num(e.Start.X), num(e.Start.Y), num(e.End.X), num(e.End.Y))
		fmt.Fprintf(&b, `    <polygon stroke="none" points="%s,%s %s,%s %s,%s"/>`+"\n",
			num(e.Arrow[0].X), num(e.Arrow[0].Y),
			num(e.Arrow[1].X), num(e.Arrow[1].Y),
			num(e.Arrow[2].X), num(e.Arrow[2].Y))
	}
	b.WriteString("  </g>\n")

	for _, n := range l.Nodes {
		fill := colorNode
		if n.Origin {
			fill = colorOrigin
		}
		fmt.Fprintf(&b, `  <circle cx="%s" cy="%s" r="%s" fill="%s" stroke="%s" stroke-width="3"/>`+"\n",
			num(n.X), num(n.Y), num(NodeRadius), fill, colorEdge)
		fmt.Fprintf(&b, `  <text x="%s" y="%s" fill="%s" font-family="monospace" font-size="12" text-anchor="middle" dominant-baseline="middle">%s</text>`+"\n",
			num(n.X), num(n.Y), colorLabel, html.EscapeString(n.Label))
	}
	b.WriteString("</svg>\n")
	return []byte(b.String())
}

// num formats a coordinate with fixed precision so output is stable.
func num(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
