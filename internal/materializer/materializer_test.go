package materializer

import (
	"encoding/json"
	"testing"
)

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestMaterializeSubstitutesJSONTextualForm(t *testing.T) {
	template := `print({message})`
	params := map[string]json.RawMessage{"message": raw("hello")}

	out, err := Materialize(template, params)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if out != `print("hello")` {
		t.Fatalf("out = %q, want print(\"hello\")", out)
	}
}

func TestMaterializeFailsOnMissingParameterBeforeSubstitution(t *testing.T) {
	template := `print({message})`
	_, err := Materialize(template, map[string]json.RawMessage{})

	var missing *ErrMissingParameter
	if err == nil {
		t.Fatal("expected error for missing parameter")
	}
	if !errorsAs(err, &missing) {
		t.Fatalf("err = %v, want *ErrMissingParameter", err)
	}
	if missing.Name != "message" {
		t.Fatalf("missing.Name = %q, want message", missing.Name)
	}
}

func TestMaterializeIgnoresUnknownExtraParams(t *testing.T) {
	template := `print({message})`
	params := map[string]json.RawMessage{"message": raw("hi"), "unused": raw(42)}

	out, err := Materialize(template, params)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if out != `print("hi")` {
		t.Fatalf("out = %q", out)
	}
}

func TestMaterializeNumericParamInsertedUnquoted(t *testing.T) {
	template := `retry({count})`
	params := map[string]json.RawMessage{"count": raw(3)}

	out, err := Materialize(template, params)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if out != `retry(3)` {
		t.Fatalf("out = %q, want retry(3)", out)
	}
}

func errorsAs(err error, target **ErrMissingParameter) bool {
	e, ok := err.(*ErrMissingParameter)
	if !ok {
		return false
	}
	*target = e
	return true
}
