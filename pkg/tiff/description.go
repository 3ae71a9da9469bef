package tiff

import (
	"encoding/json"
	"strconv"
	"strings"
)

type shapeDescription struct {
	Shape []int `json:"shape"`
}

// Shape recovers the array shape stored across all pages of the file.
//
// The first page's description is consulted in two dialects: a JSON object
// with a "shape" member, and an ImageJ hyperstack header whose frames,
// slices and channels counts give a [time, z, channel, y, x] layout. A
// description that does not account for every page is ignored and the
// shape falls back to [pages, height, width], or [height, width] for a
// single page.
func (r *Reader) Shape() []int {
	first := r.pages[0]
	pages, h, w := len(r.pages), first.Height, first.Width

	if shape := jsonShape(first.Description); shapeMatches(shape, pages, h, w) {
		return shape
	}
	if shape := imageJShape(first.Description, h, w); shapeMatches(shape, pages, h, w) {
		return shape
	}
	if pages == 1 {
		return []int{h, w}
	}
	return []int{pages, h, w}
}

func jsonShape(desc string) []int {
	desc = strings.TrimSpace(desc)
	if !strings.HasPrefix(desc, "{") {
		return nil
	}
	var d shapeDescription
	if err := json.Unmarshal([]byte(desc), &d); err != nil {
		return nil
	}
	return d.Shape
}

// imageJShape parses the key=value lines ImageJ writes, e.g.
//
//	ImageJ=1.11a
//	images=24
//	channels=2
//	slices=4
//	frames=3
func imageJShape(desc string, h, w int) []int {
	if !strings.HasPrefix(desc, "ImageJ=") {
		return nil
	}
	counts := map[string]int{"images": 1, "channels": 1, "slices": 1, "frames": 1}
	for _, line := range strings.Split(desc, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if _, known := counts[key]; !known {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return nil
		}
		counts[key] = n
	}
	frames, slices, channels := counts["frames"], counts["slices"], counts["channels"]
	if frames*slices*channels == 1 && counts["images"] > 1 {
		slices = counts["images"]
	}
	return []int{frames, slices, channels, h, w}
}

func shapeMatches(shape []int, pages, h, w int) bool {
	if len(shape) < 2 {
		return false
	}
	if shape[len(shape)-2] != h || shape[len(shape)-1] != w {
		return false
	}
	n := 1
	for _, d := range shape[:len(shape)-2] {
		if d < 0 {
			return false
		}
		n *= d
	}
	return n == pages
}

func describeShape(shape []int) (string, error) {
	b, err := json.Marshal(shapeDescription{Shape: shape})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
