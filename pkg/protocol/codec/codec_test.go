package codec

import "testing"

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := map[string]any{"kind": "task", "n": 1}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out["kind"].(string) != "task" || out["n"].(float64) != 1 {
        t.Fatalf("roundtrip mismatch: %#v", out)
    }
}

func TestCBORCodec(t *testing.T) {
    c, err := CBOR()
    if err != nil { t.Fatalf("new cbor: %v", err) }
    in := map[string]any{"amount": 42}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    switch n := out["amount"].(type) {
    case uint64:
        if n != 42 { t.Fatalf("roundtrip mismatch: %v", n) }
    case int64:
        if n != 42 { t.Fatalf("roundtrip mismatch: %v", n) }
    default:
        t.Fatalf("unexpected numeric type %T", out["amount"])
    }
}

func TestRegistryLookup(t *testing.T) {
    r := NewRegistry()
    if r.Get("application/json") == nil { t.Fatalf("json codec missing") }
    if r.Get("application/cbor") == nil { t.Fatalf("cbor codec missing") }
    if r.Get("application/x-protobuf") != nil { t.Fatalf("unexpected codec") }
}
