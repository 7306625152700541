package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValuesEqual(t *testing.T) {
	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{name: "both nil", a: nil, b: nil, want: true},
		{name: "one nil", a: "x", b: nil, want: false},
		{name: "equal strings", a: "Contoso", b: "Contoso", want: true},
		{name: "string case matters for change detection", a: "Contoso", b: "contoso", want: false},
		{name: "int vs float", a: 42, b: float64(42), want: true},
		{name: "numeric mismatch", a: 42, b: 43.0, want: false},
		{name: "number vs numeric string stays unequal", a: 1, b: "1", want: false},
		{
			name: "references by entity and id",
			a:    Reference{Entity: "account", ID: "abc"},
			b:    Reference{Entity: "Account", ID: "ABC"},
			want: true,
		},
		{
			name: "reference vs decoded json object",
			a:    Reference{Entity: "account", ID: "abc"},
			b:    map[string]any{"entity": "account", "id": "abc"},
			want: true,
		},
		{
			name: "reference id mismatch",
			a:    Reference{Entity: "account", ID: "abc"},
			b:    Reference{Entity: "account", ID: "def"},
			want: false,
		},
		{name: "money by amount", a: Money{Amount: 10}, b: Money{Amount: 10}, want: true},
		{name: "money vs bare amount", a: Money{Amount: 10}, b: 10, want: true},
		{name: "times by instant", a: noon, b: noon.In(time.FixedZone("x", 3600)), want: true},
		{name: "time mismatch", a: noon, b: noon.Add(time.Second), want: false},
		{name: "guid value vs string form", a: id, b: id.String(), want: true},
		{name: "bools", a: true, b: true, want: true},
		{name: "slices fall back to deep equality", a: []string{"a"}, b: []string{"a"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValuesEqual(tt.a, tt.b); got != tt.want {
				t.Fatalf("ValuesEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
