package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Payload {
	return Payload{
		"tenantId": "T1",
		"load": map[string]any{
			"driver": map[string]any{"name": "Jane Doe", "ssn": "123-45-6789"},
			"stops":  []any{"Dallas", "Austin"},
		},
		"count": 3,
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := sample()
	c := p.Clone()
	c["load"].(map[string]any)["driver"].(map[string]any)["name"] = "changed"
	assert.Equal(t, "Jane Doe", p["load"].(map[string]any)["driver"].(map[string]any)["name"])
}

func TestCloneNormalizesNestedPayload(t *testing.T) {
	p := Payload{"inner": Payload{"a": "b"}, "list": []string{"x"}}
	c := p.Clone()
	_, ok := c["inner"].(map[string]any)
	assert.True(t, ok, "nested payload should become a plain map")
	_, ok = c["list"].([]any)
	assert.True(t, ok, "string slices should become []any")
}

func TestWalkDeterministic(t *testing.T) {
	var paths []string
	Walk(sample(), func(path []string, _ string, _ any) {
		paths = append(paths, Path(path))
	})
	assert.Equal(t, []string{
		"count",
		"load.driver.name",
		"load.driver.ssn",
		"load.stops",
		"load.stops",
		"tenantId",
	}, paths)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, []string{"Jane Doe", "123-45-6789", "Dallas", "Austin", "T1"}, Strings(sample()))
}

func TestRewriteDropAndReplace(t *testing.T) {
	ssn := NewFieldSet("ssn")
	tenant := NewFieldSet("tenant_id")
	out := RewritePayload(sample(), func(_ []string, key string, _ any) (Action, any) {
		switch {
		case ssn.Has(key):
			return Drop, nil
		case tenant.Has(key):
			return Replace, "X"
		}
		return Keep, nil
	})
	driver := out["load"].(map[string]any)["driver"].(map[string]any)
	_, has := driver["ssn"]
	assert.False(t, has)
	assert.Equal(t, "X", out["tenantId"])

	// original untouched
	_, has = sample()["load"].(map[string]any)["driver"].(map[string]any)["ssn"]
	assert.True(t, has)
}

func TestMapPayloadStrings(t *testing.T) {
	out := MapPayloadStrings(sample(), func(_ []string, s string) string { return "<" + s + ">" })
	assert.Equal(t, "<T1>", out["tenantId"])
	assert.Equal(t, []any{"<Dallas>", "<Austin>"}, out["load"].(map[string]any)["stops"])
	assert.Equal(t, 3, out["count"])
}

func TestNormalizeKey(t *testing.T) {
	for _, k := range []string{"tenantId", "tenant_id", "Tenant-ID", "TENANTID", "tenant id"} {
		assert.Equal(t, "tenantid", NormalizeKey(k), k)
	}
}

func TestFieldSetHas(t *testing.T) {
	fs := NewFieldSet("dateOfBirth")
	assert.True(t, fs.Has("date_of_birth"))
	assert.True(t, fs.Has("DateOfBirth"))
	assert.False(t, fs.Has("date"))
}

func TestSkeleton(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Payload{"id": "L-1", "status": "open", "notes": "secret", "type": "load"}
	s := Skeleton(p, now)
	require.Len(t, s, 4)
	assert.Equal(t, "L-1", s["id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", s["timestamp"])
	_, has := s["notes"]
	assert.False(t, has)
}

func TestPayloadString(t *testing.T) {
	p := Payload{"Prompt": "hello", "other": 1}
	s, ok := p.String(NewFieldSet("prompt", "message"))
	require.True(t, ok)
	assert.Equal(t, "hello", s)
}

func TestRenameKeys(t *testing.T) {
	p := Payload{"T2_loads": map[string]any{"T2_count": 1}}
	out := RenameKeys(p, func(k string) string { return "x" + k })
	inner, ok := out["xT2_loads"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, inner["xT2_count"])
}
