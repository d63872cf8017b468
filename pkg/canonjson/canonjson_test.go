package canonjson

import "testing"

func TestMarshal_SortsKeys(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"b": 2, "a": 1, "c": map[string]interface{}{"z": true, "y": "x"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":1,"b":2,"c":{"y":"x","z":true}}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMarshal_StableForEqualMaps(t *testing.T) {
	a := map[string]interface{}{"files": []string{"x", "y"}, "job_id": 7}
	b := map[string]interface{}{"job_id": 7, "files": []string{"x", "y"}}
	sa, _ := MarshalString(a)
	sb, _ := MarshalString(b)
	if sa != sb {
		t.Errorf("expected identical serialization, got %s vs %s", sa, sb)
	}
}

func TestMarshal_PreservesNumbers(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"line": 12, "score": 0.5})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"line":12,"score":0.5}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
