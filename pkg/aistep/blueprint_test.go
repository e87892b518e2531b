package aistep

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBlueprintObject(t *testing.T) {
	bp := ParseBlueprint(json.RawMessage(`{"greenList":["a","b"],"redList":["c"]}`), slog.Default())
	require.Equal(t, []string{"a", "b"}, bp.GreenList)
	require.Equal(t, []string{"c"}, bp.RedList)
}

func TestParseBlueprintEncodedString(t *testing.T) {
	// The engine sometimes delivers the blueprint as a JSON string holding
	// encoded JSON.
	raw := json.RawMessage(`"{\"greenList\":[\"send\"],\"redList\":[]}"`)
	bp := ParseBlueprint(raw, slog.Default())
	require.Equal(t, []string{"send"}, bp.GreenList)
	require.Empty(t, bp.RedList)
}

func TestParseBlueprintDegradesOnGarbage(t *testing.T) {
	require.Empty(t, ParseBlueprint(json.RawMessage(`not json at all`), slog.Default()).GreenList)
	require.Empty(t, ParseBlueprint(json.RawMessage(`"still not json"`), slog.Default()).GreenList)
	require.Empty(t, ParseBlueprint(nil, slog.Default()).GreenList)
	require.Empty(t, ParseBlueprint(json.RawMessage(`null`), slog.Default()).GreenList)
}

func TestParseBlueprintRejectsWrongShapes(t *testing.T) {
	// Lists of the wrong element type fail schema validation and degrade.
	bp := ParseBlueprint(json.RawMessage(`{"greenList":[1,2,3]}`), slog.Default())
	require.Empty(t, bp.GreenList)
}

func TestParseInputObject(t *testing.T) {
	in := ParseInput(json.RawMessage(`{"k":"v"}`), slog.Default())
	require.Equal(t, "v", in["k"])
}

func TestParseInputEncodedString(t *testing.T) {
	in := ParseInput(json.RawMessage(`"{\"k\":\"v\"}"`), slog.Default())
	require.Equal(t, "v", in["k"])
}

func TestParseInputWrapsScalars(t *testing.T) {
	in := ParseInput(json.RawMessage(`[1,2,3]`), slog.Default())
	require.Contains(t, in, "value")

	in = ParseInput(nil, slog.Default())
	require.Empty(t, in)
}
