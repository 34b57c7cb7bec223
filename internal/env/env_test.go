package env

import (
	"reflect"
	"strings"
	"testing"
)

func TestFromList_SkipsMalformed(t *testing.T) {
	got := FromList([]string{"A=1", "=nokey", "novalue", "B=x=y", "A=2"})
	want := Var{"A": "2", "B": "x=y"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestCompose_OverridesAndSorted(t *testing.T) {
	base := Var{"PATH": "/bin", "HOME": "/root", "DIRECT_ADDRESS": "0.0.0.0"}
	out := Compose(base, Var{"DIRECT_ADDRESS": "127.0.0.1", "COMFYUI_PORT_HOST": "8188"})
	want := []string{
		"COMFYUI_PORT_HOST=8188",
		"DIRECT_ADDRESS=127.0.0.1",
		"HOME=/root",
		"PATH=/bin",
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestCompose_ExpandsOverridesOnly(t *testing.T) {
	base := Var{"ROOT": "/opt", "LITERAL": "${ROOT}"}
	out := FromList(Compose(base, Var{"MODELS": "${ROOT}/models", "MISSING": "${NOPE}/x"}))
	if out["MODELS"] != "/opt/models" {
		t.Fatalf("MODELS=%q", out["MODELS"])
	}
	if out["LITERAL"] != "${ROOT}" {
		t.Fatalf("base values must not be expanded, got %q", out["LITERAL"])
	}
	if out["MISSING"] != "${NOPE}/x" {
		t.Fatalf("unknown refs must be preserved, got %q", out["MISSING"])
	}
}

func TestClone_Independent(t *testing.T) {
	v := Var{"A": "1"}
	c := v.Clone()
	c["A"] = "2"
	if v["A"] != "1" {
		t.Fatalf("clone aliased the original")
	}
}

func FuzzCompose(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, baseS, overS string) {
		out := Compose(FromList(strings.Split(baseS, "\n")), FromList(strings.Split(overS, "\n")))
		for i, kv := range out {
			if strings.IndexByte(kv, '=') <= 0 {
				t.Fatalf("bad pair %q", kv)
			}
			if i > 0 && out[i-1] > kv {
				t.Fatalf("output not sorted: %q > %q", out[i-1], kv)
			}
		}
	})
}
