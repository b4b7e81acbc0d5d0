package toolspec

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jllopis/forge/pkg/errors"
)

const utcTool = `from datetime import datetime, timezone

def get_utc_time():
    return {"utc": datetime.now(timezone.utc).isoformat()}

if __name__ == "__main__":
    print(get_utc_time())
`

const csvTool = `# packages: pandas
import pandas as pd

def summarize_csv(path: str, column: str, limit: int = 10) -> dict:
    df = pd.read_csv(path)
    return {"mean": float(df[column].head(limit).mean())}
`

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		fn      string
		want    []Param
		wantErr bool
	}{
		{"no params", utcTool, "get_utc_time", nil, false},
		{"annotated with default", csvTool, "summarize_csv", []Param{
			{Name: "path", Type: "str"},
			{Name: "column", Type: "str"},
			{Name: "limit", Type: "int", HasDefault: true},
		}, false},
		{"multiline with nested default", "def f(\n    a: dict[str, int],\n    b={'k': (1, 2)},\n):\n    return a\n", "f", []Param{
			{Name: "a", Type: "dict[str, int]"},
			{Name: "b", HasDefault: true},
		}, false},
		{"variadic rejected", "def f(*args):\n    pass\n", "f", nil, true},
		{"missing function", utcTool, "other", nil, true},
		{"nested def is not top level", "class A:\n    def f(self):\n        pass\n", "f", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignature(tt.code, tt.fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSignature() err = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" && !tt.wantErr {
				t.Errorf("ParseSignature() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	spec := ToolSpec{
		Name:        "summarize_csv",
		InputSchema: Schema{"path": "string", "column": "string", "limit": "integer"},
		Code:        csvTool,
	}
	got, err := SchemaFromSignature(spec.Code, spec.Name)
	if err != nil {
		t.Fatalf("SchemaFromSignature: %v", err)
	}
	if !got.Equal(spec.InputSchema) {
		t.Errorf("schema -> code -> schema mismatch: %v vs %v", got, spec.InputSchema)
	}
	if diff := cmp.Diff(spec.InputSchema.Keys(), got.Keys()); diff != "" {
		t.Errorf("parameter names differ from input_schema keys:\n%s", diff)
	}
}

func TestCheckSignature(t *testing.T) {
	base := ToolSpec{Name: "summarize_csv", Code: csvTool}
	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{"exact", Schema{"path": "str", "column": "str", "limit": "int"}, ""},
		{"extra schema key", Schema{"path": "str", "column": "str", "limit": "int", "sep": "str"}, "sep"},
		{"missing schema key", Schema{"path": "str", "column": "str"}, "limit"},
		{"type mismatch", Schema{"path": "str", "column": "str", "limit": "float"}, "annotated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			spec.InputSchema = tt.schema
			err := spec.CheckSignature()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	ok := ToolSpec{Name: "get_utc_time", InputSchema: Schema{}, Code: utcTool}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid spec, got %v", err)
	}

	bad := []ToolSpec{
		{Name: "get utc", Code: utcTool},
		{Name: "get_utc_time", Code: "  "},
		{Name: "get_utc_time", Code: utcTool, InputSchema: Schema{"tz": "str"}},
		{Name: "fetch", Code: "import requests\n\ndef fetch():\n    return requests.get(\"https://api.example.com/v1\").json()\n"},
		{Name: "safe", Code: "def safe(x: int):\n    try:\n        return 1 / x\n    except ZeroDivisionError:\n        return 0\n", InputSchema: Schema{"x": "int"}},
		{Name: "auth", Code: "def auth():\n    api_key = \"sk-123\"\n    return api_key\n"},
	}
	for _, spec := range bad {
		err := spec.Validate()
		if !stderrors.Is(err, errors.ErrSynthesis) {
			t.Errorf("spec %q: expected SynthesisError, got %v", spec.Name, err)
		}
	}
}

func TestForbiddenConstructsAllowsSignatureDefaults(t *testing.T) {
	code := "import requests\n\n# see https://docs.example.com\ndef fetch(url: str = \"https://api.example.com\"):\n    return requests.get(url).text\n"
	if found := ForbiddenConstructs(code); len(found) != 0 {
		t.Fatalf("expected defaults and comments to be allowed, got %v", found)
	}
}

func TestStripMainBlock(t *testing.T) {
	got := StripMainBlock(utcTool + "\ndef after():\n    return 1\n")
	if strings.Contains(got, "__main__") || strings.Contains(got, "print(get_utc_time())") {
		t.Fatalf("main block not stripped:\n%s", got)
	}
	if !strings.Contains(got, "def after():") {
		t.Fatalf("code after the main block must survive:\n%s", got)
	}
}

func TestNormalizeMergesPackageHints(t *testing.T) {
	spec := ToolSpec{Code: csvTool, Packages: []string{"numpy", " pandas ", "numpy"}}
	spec.Normalize()
	if diff := cmp.Diff([]string{"numpy", "pandas"}, spec.Packages); diff != "" {
		t.Errorf("packages mismatch:\n%s", diff)
	}
	if spec.InputSchema == nil || spec.OutputSchema == nil {
		t.Errorf("expected schemas to be initialized")
	}
}

func TestCheckOutput(t *testing.T) {
	spec := ToolSpec{OutputSchema: Schema{"utc": "str"}}
	if err := spec.CheckOutput(map[string]interface{}{"utc": "2026-01-01T00:00:00Z"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := spec.CheckOutput("2026-01-01T00:00:00Z"); err != nil {
		t.Errorf("single-field schemas accept scalars: %v", err)
	}
	if err := spec.CheckOutput(map[string]interface{}{"time": "x"}); err == nil {
		t.Errorf("expected missing field error")
	}
	two := ToolSpec{OutputSchema: Schema{"a": "int", "b": "int"}}
	if err := two.CheckOutput(map[string]interface{}{"a": 1, "b": 2, "c": 3}); err == nil {
		t.Errorf("expected undeclared field error")
	}
}

func TestFingerprintAndArgsHash(t *testing.T) {
	if Fingerprint("  Get current UTC time! ") != Fingerprint("get current utc  time") {
		t.Errorf("expected fingerprints to normalize case, punctuation and spacing")
	}
	a := ArgsHash(map[string]interface{}{"b": 1, "a": "x"})
	b := ArgsHash(map[string]interface{}{"a": "x", "b": 1})
	if a != b || len(a) != 16 {
		t.Errorf("expected stable 16 char hash, got %q and %q", a, b)
	}
	if ArgsHash(nil) != ArgsHash(map[string]interface{}{}) {
		t.Errorf("nil and empty args must hash equally")
	}
}
