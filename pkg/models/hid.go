package models

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxIDDepth caps how deeply replans may nest items.
const MaxIDDepth = 10

// HID is a parsed hierarchical item ID: a non-empty dotted sequence of
// positive integers, e.g. "2.1.3".
type HID struct {
	Parts []int
}

// ParseHID parses a dotted hierarchical ID. Empty IDs, non-numeric or
// non-positive parts, and IDs deeper than MaxIDDepth are rejected.
func ParseHID(s string) (HID, error) {
	if s == "" {
		return HID{}, fmt.Errorf("empty item ID")
	}
	raw := strings.Split(s, ".")
	if len(raw) > MaxIDDepth {
		return HID{}, fmt.Errorf("item ID %q exceeds max depth %d", s, MaxIDDepth)
	}
	parts := make([]int, len(raw))
	for i, p := range raw {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return HID{}, fmt.Errorf("item ID %q: part %q is not a positive integer", s, p)
		}
		parts[i] = n
	}
	return HID{Parts: parts}, nil
}

func (h HID) String() string {
	out := make([]string, len(h.Parts))
	for i, p := range h.Parts {
		out[i] = strconv.Itoa(p)
	}
	return strings.Join(out, ".")
}

// Depth is the number of parts; roots have depth 1.
func (h HID) Depth() int { return len(h.Parts) }

// Parent returns the parent ID, or "" for roots.
func (h HID) Parent() string {
	if len(h.Parts) <= 1 {
		return ""
	}
	return HID{Parts: h.Parts[:len(h.Parts)-1]}.String()
}

// Root returns the top-level ancestor ID.
func (h HID) Root() string {
	if len(h.Parts) == 0 {
		return ""
	}
	return strconv.Itoa(h.Parts[0])
}

// ParentID returns the parent of a rendered ID, or "" for roots. It works
// on the string form and does not validate the parts.
func ParentID(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// IsDescendant reports whether id lies anywhere under ancestor.
func IsDescendant(ancestor, id string) bool {
	return strings.HasPrefix(id, ancestor+".")
}

// IsChild reports whether id is a direct child of parent.
func IsChild(parent, id string) bool {
	return IsDescendant(parent, id) && !strings.Contains(id[len(parent)+1:], ".")
}

// CompareHID orders two IDs naturally: integer part by integer part, with a
// missing part treated as 0, so "2" sorts before "2.1" and "2.2" before
// "10". Unparseable parts compare as 0.
func CompareHID(a, b string) int {
	ap := strings.Split(a, ".")
	bp := strings.Split(b, ".")
	for i := 0; i < len(ap) || i < len(bp); i++ {
		av, bv := 0, 0
		if i < len(ap) {
			av, _ = strconv.Atoi(ap[i])
		}
		if i < len(bp) {
			bv, _ = strconv.Atoi(bp[i])
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

// NextChildID allocates the next free direct-child ID under parent given
// the existing population: "2" with children "2.1" and "2.3" yields "2.4".
// Fails when the parent does not parse or the child would exceed
// MaxIDDepth.
func NextChildID(parent string, population []string) (string, error) {
	h, err := ParseHID(parent)
	if err != nil {
		return "", err
	}
	if h.Depth()+1 > MaxIDDepth {
		return "", fmt.Errorf("child of %q would exceed max depth %d", parent, MaxIDDepth)
	}
	max := 0
	for _, id := range population {
		if !IsChild(parent, id) {
			continue
		}
		if n, err := strconv.Atoi(id[len(parent)+1:]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s.%d", parent, max+1), nil
}

// NextRootID allocates the next free root ID: one past the highest root in
// the population, "1" when the population is empty.
func NextRootID(population []string) string {
	max := 0
	for _, id := range population {
		root := id
		if idx := strings.Index(id, "."); idx >= 0 {
			root = id[:idx]
		}
		if n, err := strconv.Atoi(root); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

// ChildrenOf returns the population members that are direct children of id,
// in population order.
func ChildrenOf(id string, population []string) []string {
	var out []string
	for _, cand := range population {
		if IsChild(id, cand) {
			out = append(out, cand)
		}
	}
	return out
}

// DescendantsOf returns the population members anywhere under id, in
// population order.
func DescendantsOf(id string, population []string) []string {
	var out []string
	for _, cand := range population {
		if IsDescendant(id, cand) {
			out = append(out, cand)
		}
	}
	return out
}
