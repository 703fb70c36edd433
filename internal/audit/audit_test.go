package audit

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/voicecrm/auditcore/internal/models"
)

func doc(t *testing.T, raw string) *models.Document {
	t.Helper()
	d, err := models.ParseDocument([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return d
}

func TestChangedFields(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   []string
	}{
		{"single change", `{"a":1,"b":2}`, `{"a":1,"b":3}`, []string{"b"}},
		{"addition ignored", `{"a":1}`, `{"a":1,"c":5}`, []string{}},
		{"removal ignored", `{"a":1,"b":2}`, `{"a":1}`, []string{}},
		{"order follows before", `{"z":1,"a":1}`, `{"a":2,"z":2}`, []string{"z", "a"}},
		{"nested order ignored", `{"n":{"x":1,"y":2}}`, `{"n":{"y":2,"x":1}}`, []string{}},
		{"nested change", `{"n":{"x":1}}`, `{"n":{"x":2}}`, []string{"n"}},
		{"type change", `{"a":"1"}`, `{"a":1}`, []string{"a"}},
		{"null to value", `{"a":null}`, `{"a":false}`, []string{"a"}},
		{"array change", `{"a":[1,2]}`, `{"a":[2,1]}`, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChangedFields(doc(t, tt.before), doc(t, tt.after))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChangedFieldsNilSnapshot(t *testing.T) {
	d := doc(t, `{"a":1}`)
	if got := ChangedFields(nil, d); len(got) != 0 {
		t.Errorf("nil before: got %v", got)
	}
	if got := ChangedFields(d, nil); len(got) != 0 {
		t.Errorf("nil after: got %v", got)
	}
	if got := ChangedFields(nil, nil); got == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestChangedFieldsSubsetOfCommonKeys(t *testing.T) {
	before := doc(t, `{"a":1,"b":2,"c":3}`)
	after := doc(t, `{"b":20,"c":3,"d":4}`)
	for _, k := range ChangedFields(before, after) {
		if !before.Has(k) || !after.Has(k) {
			t.Errorf("changed field %q not present in both snapshots", k)
		}
	}
}

func TestChangedFieldsNullIsAValue(t *testing.T) {
	before := doc(t, `{"notes":"call back","owner":"u-1"}`)
	after := doc(t, `{"notes":null}`)
	got := ChangedFields(before, after)
	if !reflect.DeepEqual(got, []string{"notes"}) {
		t.Errorf("ChangedFields = %v, want [notes]", got)
	}
}

func TestEqualNumbersAcrossRepresentations(t *testing.T) {
	if !Equal(json.Number("1"), 1) {
		t.Error("json.Number(1) should equal int 1")
	}
	if !Equal(float64(2.5), json.Number("2.5")) {
		t.Error("float 2.5 should equal json.Number 2.5")
	}
}

func TestRedact(t *testing.T) {
	in := doc(t, `{"email":"a@b.c","Password":"hunter2","TOKEN":"t","nested":{"password":"x"},"authorization":"Bearer y","secret":1}`)
	out := Redact(in)

	for _, k := range []string{"Password", "TOKEN", "authorization", "secret"} {
		v, _ := out.Get(k)
		if v != RedactionMarker {
			t.Errorf("%s = %v, want %s", k, v, RedactionMarker)
		}
	}
	if v, _ := out.Get("email"); v != "a@b.c" {
		t.Errorf("email changed to %v", v)
	}

	nested, _ := out.Get("nested")
	inner, _ := nested.(*models.Document).Get("password")
	if inner != "x" {
		t.Errorf("nested values must not be inspected, got %v", inner)
	}

	original, _ := in.Get("Password")
	if original != "hunter2" {
		t.Error("Redact mutated its input")
	}
	if !reflect.DeepEqual(in.Keys(), out.Keys()) {
		t.Errorf("key order changed: %v vs %v", in.Keys(), out.Keys())
	}
}

func TestRedactIdempotent(t *testing.T) {
	in := doc(t, `{"password":"p","name":"n"}`)
	once, _ := json.Marshal(Redact(in))
	twice, _ := json.Marshal(Redact(Redact(in)))
	if string(once) != string(twice) {
		t.Errorf("redaction not idempotent: %s vs %s", once, twice)
	}
	if Redact(nil) != nil {
		t.Error("Redact(nil) should be nil")
	}
}
