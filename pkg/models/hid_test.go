package models

import (
	"reflect"
	"testing"
)

func TestParseHID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		parts   []int
		wantErr bool
	}{
		{"root", "2", []int{2}, false},
		{"nested", "2.1.3", []int{2, 1, 3}, false},
		{"max depth", "1.1.1.1.1.1.1.1.1.1", []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, false},
		{"empty", "", nil, true},
		{"zero part", "2.0", nil, true},
		{"negative part", "-1", nil, true},
		{"non numeric", "2.a", nil, true},
		{"trailing dot", "2.", nil, true},
		{"too deep", "1.1.1.1.1.1.1.1.1.1.1", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, err := ParseHID(tc.id)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseHID(%q) error = %v, wantErr %v", tc.id, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(h.Parts, tc.parts) {
				t.Errorf("parts = %v, want %v", h.Parts, tc.parts)
			}
			if h.String() != tc.id {
				t.Errorf("round trip = %q", h.String())
			}
		})
	}
}

func TestHIDAncestry(t *testing.T) {
	h, err := ParseHID("2.1.3")
	if err != nil {
		t.Fatal(err)
	}
	if h.Depth() != 3 {
		t.Errorf("depth = %d", h.Depth())
	}
	if h.Parent() != "2.1" {
		t.Errorf("parent = %q", h.Parent())
	}
	if h.Root() != "2" {
		t.Errorf("root = %q", h.Root())
	}

	if got := ParentID("2.1.3"); got != "2.1" {
		t.Errorf("ParentID = %q", got)
	}
	if got := ParentID("2"); got != "" {
		t.Errorf("ParentID of root = %q", got)
	}
}

func TestChildAndDescendant(t *testing.T) {
	tests := []struct {
		parent, id        string
		child, descendant bool
	}{
		{"2", "2.1", true, true},
		{"2", "2.1.3", false, true},
		{"2", "2", false, false},
		{"2", "22.1", false, false},
		{"2.1", "2.10", false, false},
	}
	for _, tc := range tests {
		if got := IsChild(tc.parent, tc.id); got != tc.child {
			t.Errorf("IsChild(%q, %q) = %v", tc.parent, tc.id, got)
		}
		if got := IsDescendant(tc.parent, tc.id); got != tc.descendant {
			t.Errorf("IsDescendant(%q, %q) = %v", tc.parent, tc.id, got)
		}
	}
}

func TestCompareHID(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"2", "2", 0},
		{"2", "2.1", -1},
		{"2.2", "2.10", -1},
		{"2.2", "10", -1},
		{"3", "2.9.9", 1},
	}
	for _, tc := range tests {
		if got := CompareHID(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareHID(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNextChildID(t *testing.T) {
	tests := []struct {
		name       string
		parent     string
		population []string
		want       string
		wantErr    bool
	}{
		{"first child", "2", []string{"1", "2", "3"}, "2.1", false},
		{"after gap", "2", []string{"2", "2.1", "2.3"}, "2.4", false},
		{"grandchildren ignored", "2", []string{"2", "2.1", "2.1.5"}, "2.2", false},
		{"bad parent", "x", nil, "", true},
		{"depth exceeded", "1.1.1.1.1.1.1.1.1.1", []string{}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextChildID(tc.parent, tc.population)
			if (err != nil) != tc.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("NextChildID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNextRootID(t *testing.T) {
	if got := NextRootID(nil); got != "1" {
		t.Errorf("empty population = %q", got)
	}
	if got := NextRootID([]string{"1", "3", "2.7"}); got != "4" {
		t.Errorf("NextRootID = %q", got)
	}
}

func TestChildrenAndDescendantsOf(t *testing.T) {
	population := []string{"1", "2", "2.1", "2.2", "2.2.1", "3"}
	if got := ChildrenOf("2", population); !reflect.DeepEqual(got, []string{"2.1", "2.2"}) {
		t.Errorf("ChildrenOf = %v", got)
	}
	if got := DescendantsOf("2", population); !reflect.DeepEqual(got, []string{"2.1", "2.2", "2.2.1"}) {
		t.Errorf("DescendantsOf = %v", got)
	}
}
